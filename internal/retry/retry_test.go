package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordSleeper struct {
	delays []time.Duration
}

func (s *recordSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func doRequest(t *testing.T, client *http.Client, url string) func(ctx context.Context) (*http.Response, []byte, error) {
	t.Helper()
	return func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp, nil, err
		}
		return resp, body, nil
	}
}

func testPolicy(sleep Sleeper, retries int, rnd float64) Policy {
	return Policy{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		MaxRetries:     retries,
		JitterFraction: 0.20,
		SnippetLimit:   200,
		Sleep:          sleep,
		Now:            time.Now,
		Rand:           func() float64 { return rnd },
	}
}

func TestRetry429WithJitterRange(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limit"))
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	policy := testPolicy(sleep.Sleep, 1, 0.99)

	_, _, err := DoHTTP(context.Background(), policy, nil, doRequest(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected wrapped 429 status error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(sleep.delays) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(sleep.delays))
	}
	delay := sleep.delays[0]
	if delay < 500*time.Millisecond || delay > 600*time.Millisecond {
		t.Fatalf("delay out of jitter range: %s", delay)
	}
}

func TestRetry429WithRetryAfterSeconds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limit"))
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	policy := testPolicy(sleep.Sleep, 1, 0.5)

	_, _, err := DoHTTP(context.Background(), policy, nil, doRequest(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(sleep.delays) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(sleep.delays))
	}
	if sleep.delays[0] != 2*time.Second {
		t.Fatalf("expected retry-after 2s, got %s", sleep.delays[0])
	}
}

func TestRetry503ThenSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	var hooked []string
	policy := testPolicy(sleep.Sleep, 3, 0)
	policy.OnRetry = func(attempt int, reason string, delay time.Duration) {
		hooked = append(hooked, fmt.Sprintf("%d:%s:%s", attempt, reason, delay))
	}

	resp, body, err := DoHTTP(context.Background(), policy, nil, doRequest(t, server.Client(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(sleep.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleep.delays))
	}
	if sleep.delays[0] != 500*time.Millisecond || sleep.delays[1] != time.Second {
		t.Fatalf("unexpected backoff sequence: %v", sleep.delays)
	}
	if len(hooked) != 2 || hooked[0] != "2:upstream 5xx:500ms" {
		t.Fatalf("unexpected retry hook calls: %v", hooked)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestNoRetryOn400(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	policy := testPolicy(sleep.Sleep, 3, 0.5)

	resp, _, err := DoHTTP(context.Background(), policy, nil, doRequest(t, server.Client(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(sleep.delays) != 0 {
		t.Fatalf("expected 0 sleeps, got %d", len(sleep.delays))
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCustomRetryableStatuses(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	policy := testPolicy(sleep.Sleep, 3, 0)
	policy.RetryableStatuses = []int{http.StatusServiceUnavailable}

	resp, _, err := DoHTTP(context.Background(), policy, nil, doRequest(t, server.Client(), server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("500 must not be retried when not in the set, got %d calls", calls)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestNetworkErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	client := server.Client()
	server.Close()

	sleep := &recordSleeper{}
	policy := testPolicy(sleep.Sleep, 2, 0)

	_, _, err := DoHTTP(context.Background(), policy, nil, doRequest(t, client, url))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	if len(sleep.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleep.delays))
	}
}

func TestNegativeMaxRetriesDisablesRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	sleep := &recordSleeper{}
	_, _, err := DoHTTP(context.Background(), testPolicy(sleep.Sleep, -1, 0), nil, doRequest(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if calls != 1 || len(sleep.delays) != 0 {
		t.Fatalf("expected single attempt without sleeps, got %d calls and %d sleeps", calls, len(sleep.delays))
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	sleepFunc := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, _, err := DoHTTP(ctx, testPolicy(sleepFunc, 3, 0.5), nil, doRequest(t, server.Client(), server.URL))
	if err == nil {
		t.Fatalf("expected context error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDelayIsMonotonicAndCapped(t *testing.T) {
	for _, rnd := range []float64{0, 0.5, 1} {
		policy := testPolicy(nil, 3, rnd)
		policy.BaseDelay = time.Second
		prev := time.Duration(0)
		for k := 1; k <= 20; k++ {
			d := policy.Delay(k)
			if d < prev {
				t.Fatalf("rand=%v: delay(%d)=%s is below delay(%d)=%s", rnd, k, d, k-1, prev)
			}
			if d > 30*time.Second {
				t.Fatalf("rand=%v: delay(%d)=%s exceeds cap", rnd, k, d)
			}
			prev = d
		}
	}

	policy := testPolicy(nil, 3, 1)
	policy.BaseDelay = time.Second
	if got := policy.Delay(3); got != 4800*time.Millisecond {
		t.Fatalf("expected 4s plus 20%% jitter, got %s", got)
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(&ExhaustedError{Cause: context.DeadlineExceeded, Attempts: 4}) {
		t.Fatalf("deadline exceeded must be a timeout")
	}
	if !IsTimeout(&ExhaustedError{Cause: &HTTPStatusError{StatusCode: http.StatusGatewayTimeout}}) {
		t.Fatalf("504 must be a timeout")
	}
	if IsTimeout(&ExhaustedError{Cause: &HTTPStatusError{StatusCode: http.StatusBadGateway}}) {
		t.Fatalf("502 must not be a timeout")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatalf("plain error must not be a timeout")
	}
}
