package sessionctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "waassist:ctx:"
	defaultRedisTTL  = 24 * time.Hour
)

// RedisStore хранит токены в redis, что позволяет нескольким репликам
// продолжать одни и те же диалоги.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore создаёт хранилище поверх готового клиента.
// ttl <= 0 означает значение по умолчанию (24 часа).
func NewRedisStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

// Get возвращает токен и продлевает TTL ключа.
func (s *RedisStore) Get(ctx context.Context, sessionID string) ([]int, bool, error) {
	key := s.key(sessionID)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var tokens []int
	if err := json.Unmarshal(val, &tokens); err != nil {
		return nil, false, fmt.Errorf("decode session tokens: %w", err)
	}

	// Ошибка продления TTL не мешает вернуть значение.
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return tokens, true, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, tokens []int) error {
	val, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode session tokens: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Len считает ключи с префиксом через SCAN, не блокируя redis.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}
