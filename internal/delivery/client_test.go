package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *HTTPClient {
	c := NewClient(Config{BaseURL: url + "/", Username: "user", Password: "pass"}, &http.Client{Timeout: 2 * time.Second}, nil, nil)
	c.policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestSendText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send/message" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "user" || pass != "pass" {
			t.Errorf("basic auth missing")
		}
		var got Text
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if got.Phone != "628123@s.whatsapp.net" || got.Message != "hello" || got.ReplyMessageID != "ABC" {
			t.Errorf("unexpected payload %+v", got)
		}
		_, _ = w.Write([]byte(`{"code":"SUCCESS","message":"sent","results":{"message_id":"3EB0XYZ","status":"sent"}}`))
	}))
	t.Cleanup(server.Close)

	id, err := newTestClient(server.URL).SendText(context.Background(), Text{
		Phone:          "628123@s.whatsapp.net",
		Message:        "hello",
		ReplyMessageID: "ABC",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "3EB0XYZ" {
		t.Fatalf("unexpected message id %q", id)
	}
}

func TestSendTextRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"code":"SUCCESS","results":{"message_id":"id2"}}`))
	}))
	t.Cleanup(server.Close)

	id, err := newTestClient(server.URL).SendText(context.Background(), Text{Phone: "1", Message: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "id2" || calls.Load() != 2 {
		t.Fatalf("expected retry then success, got id=%q calls=%d", id, calls.Load())
	}
}

func TestSendTextErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"SEND_TEXT_FAILED","message":"boom"}`))
	}))
	t.Cleanup(server.Close)

	if _, err := newTestClient(server.URL).SendText(context.Background(), Text{Phone: "1", Message: "hi"}); err == nil {
		t.Fatalf("expected error on 500")
	}
	if calls.Load() != 1 {
		t.Fatalf("500 must not be retried, got %d calls", calls.Load())
	}

	if _, err := newTestClient(server.URL).SendText(context.Background(), Text{Phone: "1"}); err == nil {
		t.Fatalf("expected validation error for empty message")
	}

	_, err := NewClient(Config{}, nil, nil, nil).SendText(context.Background(), Text{Phone: "1", Message: "hi"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendTextGatewayErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"INVALID_REQUEST","message":"bad phone"}`))
	}))
	t.Cleanup(server.Close)

	if _, err := newTestClient(server.URL).SendText(context.Background(), Text{Phone: "x", Message: "hi"}); err == nil {
		t.Fatalf("expected error for non-success code")
	}
}
