package sessionctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidDriver = errors.New("sessionctx: unknown driver")
	ErrInvalidConfig = errors.New("sessionctx: invalid driver config")
)

// Store хранит токены продолжения генерации (поле context бэкенда) по идентификатору сессии.
// Каждая операция атомарна для своего ключа; Set заменяет прежнее значение целиком.
type Store interface {
	// Get возвращает копию токена. Второй параметр false, если токена нет.
	Get(ctx context.Context, sessionID string) ([]int, bool, error)
	// Set сохраняет токен, заменяя предыдущий.
	Set(ctx context.Context, sessionID string, tokens []int) error
	// Delete удаляет токен сессии; отсутствие токена ошибкой не считается.
	Delete(ctx context.Context, sessionID string) error
	// Len возвращает число сохранённых сессий (для health и метрик).
	Len(ctx context.Context) (int, error)
	Close() error
}

// Driver тип хранилища.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverFile   Driver = "file"
	DriverRedis  Driver = "redis"
)

// Option настраивает хранилище при создании.
type Option func(*options)

type options struct {
	filePath    string
	redisClient *redis.Client
	redisTTL    time.Duration
	keyPrefix   string
}

// WithFilePath задаёт путь JSON-файла для драйвера file.
func WithFilePath(path string) Option {
	return func(o *options) {
		o.filePath = path
	}
}

// WithRedisClient задаёт клиент для драйвера redis.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithRedisTTL задаёт TTL ключей в redis.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.redisTTL = ttl
	}
}

// WithKeyPrefix задаёт префикс ключей в redis.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// New создаёт хранилище выбранного драйвера.
func New(driver Driver, opts ...Option) (Store, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch Driver(strings.ToLower(string(driver))) {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverFile:
		if cfg.filePath == "" {
			return nil, fmt.Errorf("%w: file path is empty", ErrInvalidConfig)
		}
		return NewFileStore(cfg.filePath)
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
		}
		return NewRedisStore(cfg.redisClient, cfg.redisTTL, cfg.keyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}

func cloneTokens(tokens []int) []int {
	if tokens == nil {
		return nil
	}
	out := make([]int, len(tokens))
	copy(out, tokens)
	return out
}
