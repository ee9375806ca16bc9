package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadSignature = errors.New("invalid webhook signature")
)

const signaturePrefix = "sha256="

// Service проверяет API-ключ клиентов HTTP API.
type Service struct {
	apiKey []byte
}

// NewService создаёт сервис. Пустой ключ отключает проверку.
func NewService(apiKey string) *Service {
	return &Service{apiKey: []byte(strings.TrimSpace(apiKey))}
}

// Enabled сообщает, требуется ли ключ.
func (s *Service) Enabled() bool {
	return s != nil && len(s.apiKey) > 0
}

// Authorize сравнивает ключ за постоянное время.
func (s *Service) Authorize(key string) error {
	if !s.Enabled() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(key)), s.apiKey) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Sign считает подпись тела вебхука в формате заголовка X-Hub-Signature-256.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет заголовок X-Hub-Signature-256. Пустой секрет отключает проверку.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
