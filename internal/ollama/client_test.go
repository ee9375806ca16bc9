package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"waassist/internal/retry"
	"waassist/internal/sessionctx"
)

type recordSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, url string, retries int, opts ...Option) (*Client, *recordSleeper) {
	t.Helper()
	sleep := &recordSleeper{}
	opts = append([]Option{WithSleeper(sleep.Sleep), WithRand(func() float64 { return 0 })}, opts...)
	client := NewClient(Config{
		BaseURL:      url,
		Model:        "llama3",
		MaxRetries:   retries,
		RetryBackoff: 100 * time.Millisecond,
	}, &http.Client{Timeout: 2 * time.Second}, sessionctx.NewMemoryStore(), nil, opts...)
	return client, sleep
}

func validRequest() GenerateRequest {
	return GenerateRequest{
		Prompt:      "Hello there",
		Temperature: 0.7,
		MaxTokens:   500,
	}
}

func TestGenerateSendsWireBody(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"llama3","created_at":"2024-05-01T10:00:00Z","response":"Hi!","done":true,"total_duration":1500000000,"eval_duration":900000000}`))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL+"/", 3)
	req := validRequest()
	req.Stop = []string{"User:"}
	req.Format = "json"
	req.KeepAlive = "5m"
	req.Options = map[string]any{"top_p": 0.9, "temperature": 1.9}

	reply, err := client.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Text != "Hi!" || !reply.Done || reply.Model != "llama3" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.TotalDuration != 1500*time.Millisecond || reply.EvalDuration != 900*time.Millisecond {
		t.Fatalf("durations must be read as nanoseconds: %+v", reply)
	}
	if reply.CreatedAt.IsZero() {
		t.Fatalf("created_at must be parsed")
	}

	if got["model"] != "llama3" || got["prompt"] != "Hello there" || got["stream"] != false {
		t.Fatalf("unexpected wire body: %v", got)
	}
	options, _ := got["options"].(map[string]any)
	if options["temperature"] != 0.7 || options["num_predict"] != float64(500) || options["top_p"] != 0.9 {
		t.Fatalf("unexpected options: %v", options)
	}
	if got["format"] != "json" || got["keep_alive"] != "5m" {
		t.Fatalf("format and keep_alive must be forwarded: %v", got)
	}
	if _, ok := got["context"]; ok {
		t.Fatalf("context must be omitted without session: %v", got)
	}
}

func TestGenerateReplaysSessionToken(t *testing.T) {
	var (
		mu       sync.Mutex
		received [][]int
		calls    int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Context []int `json:"context"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls++
		n := calls
		received = append(received, body.Context)
		mu.Unlock()

		switch n {
		case 1:
			_, _ = w.Write([]byte(`{"response":"one","done":true,"context":[1,2,3]}`))
		case 2:
			_, _ = w.Write([]byte(`{"response":"two","done":true,"context":[4,5]}`))
		default:
			_, _ = w.Write([]byte(`{"response":"three","done":true}`))
		}
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL, 3)
	ctx := context.Background()

	req := validRequest()
	req.SessionID = "chat-1"
	for i := 0; i < 3; i++ {
		if _, err := client.Generate(ctx, req); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}

	other := validRequest()
	other.SessionID = "chat-2"
	if _, err := client.Generate(ctx, other); err != nil {
		t.Fatalf("generate other session: %v", err)
	}

	explicit := validRequest()
	explicit.SessionID = "chat-1"
	explicit.Context = []int{9}
	if _, err := client.Generate(ctx, explicit); err != nil {
		t.Fatalf("generate explicit: %v", err)
	}

	if len(received[0]) != 0 {
		t.Fatalf("first call must not carry context, got %v", received[0])
	}
	if len(received[1]) != 3 || received[1][2] != 3 {
		t.Fatalf("second call must replay [1 2 3], got %v", received[1])
	}
	if len(received[2]) != 2 || received[2][0] != 4 {
		t.Fatalf("third call must replay the overwritten token, got %v", received[2])
	}
	if len(received[3]) != 0 {
		t.Fatalf("another session must not see chat-1 token, got %v", received[3])
	}
	if len(received[4]) != 1 || received[4][0] != 9 {
		t.Fatalf("explicit context must win over the cache, got %v", received[4])
	}

	if err := client.ResetSession(ctx, "chat-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := client.Generate(ctx, req); err != nil {
		t.Fatalf("generate after reset: %v", err)
	}
	if len(received[5]) != 0 {
		t.Fatalf("reset session must not replay a token, got %v", received[5])
	}
}

func TestGenerateValidationFailsBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL, 3)

	cases := map[string]func(r *GenerateRequest){
		"empty prompt":     func(r *GenerateRequest) { r.Prompt = "   " },
		"high temperature": func(r *GenerateRequest) { r.Temperature = 2.5 },
		"negative temp":    func(r *GenerateRequest) { r.Temperature = -0.1 },
		"zero max tokens":  func(r *GenerateRequest) { r.MaxTokens = 0 },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		_, err := client.Generate(context.Background(), req)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected *ValidationError, got %T", name, err)
		}
		if _, err := client.Stream(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: stream expected ErrValidation, got %v", name, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("validation errors must not reach the network, got %d calls", calls.Load())
	}

	noModel := NewClient(Config{BaseURL: server.URL}, nil, nil, nil)
	if _, err := noModel.Generate(context.Background(), validRequest()); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing model must be a validation error, got %v", err)
	}
}

func TestGenerateToleratesOddBodies(t *testing.T) {
	bodies := []struct {
		body     string
		wantText string
		wantDone bool
		wantCtx  int
	}{
		{body: `{}`, wantText: "", wantDone: true},
		{body: `{"response":42,"done":"false"}`, wantText: "42", wantDone: false},
		{body: `{"response":"ok","context":["1","2"]}`, wantText: "ok", wantDone: true, wantCtx: 2},
		{body: `{"response":"ok","context":[1,"x"]}`, wantText: "ok", wantDone: true},
		{body: `not json at all`, wantText: "", wantDone: true},
	}

	for _, tc := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(tc.body))
		}))
		client, _ := newTestClient(t, server.URL, 0)

		reply, err := client.Generate(context.Background(), validRequest())
		server.Close()
		if err != nil {
			t.Fatalf("body %q: unexpected error %v", tc.body, err)
		}
		if reply.Model != "llama3" {
			t.Fatalf("body %q: model must fall back to requested one, got %q", tc.body, reply.Model)
		}
		if reply.Text != tc.wantText || reply.Done != tc.wantDone || len(reply.Context) != tc.wantCtx {
			t.Fatalf("body %q: unexpected reply %+v", tc.body, reply)
		}
	}
}

func TestGenerateRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":"finally","done":true}`))
	}))
	t.Cleanup(server.Close)

	client, sleep := newTestClient(t, server.URL, 3)
	reply, err := client.Generate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Text != "finally" {
		t.Fatalf("unexpected text %q", reply.Text)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if len(sleep.delays) != 2 || sleep.delays[0] != 100*time.Millisecond || sleep.delays[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", sleep.delays)
	}
}

func TestGenerateNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server.URL, 3)
	_, err := client.Generate(context.Background(), validRequest())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d calls", calls.Load())
	}
}

func TestGenerateTimeoutExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	client := NewClient(Config{
		BaseURL:      server.URL,
		Model:        "llama3",
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}, &http.Client{Timeout: 50 * time.Millisecond}, nil, nil, WithSleeper(sleep.Sleep))

	_, err := client.Generate(context.Background(), validRequest())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout-class error, got %v", err)
	}
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("expected 3 exhausted attempts, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}
