package reporting

import (
	"context"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
)

func TestInitWithoutDSNIsNoop(t *testing.T) {
	flush, err := Init("", "test", "dev")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	flush()

	CaptureError(context.Background(), errors.New("boom"), map[string]string{"chat_id": "c1"})
	CaptureError(context.Background(), nil, nil)
	CapturePanic(context.Background(), "panic value")
}

func TestInitRejectsBadDSN(t *testing.T) {
	if _, err := Init("://not-a-dsn", "test", "dev"); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}

func TestWithHubIsolatesScope(t *testing.T) {
	ctx := WithHub(context.Background(), "req-1")
	if hubFrom(ctx) == sentry.CurrentHub() {
		t.Fatalf("expected a request scoped hub")
	}
	if hubFrom(context.Background()) != sentry.CurrentHub() {
		t.Fatalf("expected the global hub without a request hub")
	}
}
