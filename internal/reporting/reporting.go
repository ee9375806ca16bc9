// Package reporting отправляет неожиданные ошибки и паники в Sentry.
// Без DSN все вызовы ничего не делают.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

const flushTimeout = 2 * time.Second

// Init настраивает клиент Sentry. Возвращает функцию, которую нужно вызвать при остановке.
func Init(dsn, environment, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return func() {}, fmt.Errorf("init sentry: %w", err)
	}
	return func() { sentry.Flush(flushTimeout) }, nil
}

// CaptureError отправляет ошибку с тегами.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := hubFrom(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// CapturePanic отправляет восстановленную панику.
func CapturePanic(ctx context.Context, recovered any) {
	hub := hubFrom(ctx)
	hub.Recover(recovered)
}

// WithHub кладёт в контекст копию хаба с тегом запроса, чтобы события разных запросов не смешивались.
func WithHub(ctx context.Context, requestID string) context.Context {
	hub := sentry.CurrentHub().Clone()
	if requestID != "" {
		hub.Scope().SetTag("request_id", requestID)
	}
	return sentry.SetHubOnContext(ctx, hub)
}

func hubFrom(ctx context.Context) *sentry.Hub {
	if ctx != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			return hub
		}
	}
	return sentry.CurrentHub()
}
