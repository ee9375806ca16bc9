package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxRetries     = 3
	defaultJitterFraction = 0.20
	defaultSnippetLimit   = 200
)

// DefaultRetryableStatuses is used when a Policy has no explicit status set.
var DefaultRetryableStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type Sleeper func(ctx context.Context, d time.Duration) error
type NowFunc func() time.Time
type RandFunc func() float64

// Policy describes how many extra attempts a request gets and how long to wait between them.
// MaxRetries counts attempts after the first one; a negative value disables retries.
type Policy struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	MaxRetries        int
	JitterFraction    float64
	RetryableStatuses []int
	SnippetLimit      int
	Sleep             Sleeper
	Now               NowFunc
	Rand              RandFunc
	// OnRetry is called before every backoff sleep.
	OnRetry func(attempt int, reason string, delay time.Duration)
}

func DefaultPolicy() Policy {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Policy{
		BaseDelay:         defaultBaseDelay,
		MaxDelay:          defaultMaxDelay,
		Multiplier:        defaultMultiplier,
		MaxRetries:        defaultMaxRetries,
		JitterFraction:    defaultJitterFraction,
		RetryableStatuses: append([]int(nil), DefaultRetryableStatuses...),
		SnippetLimit:      defaultSnippetLimit,
		Sleep:             defaultSleep,
		Now:               time.Now,
		Rand:              rng.Float64,
	}
}

type HTTPStatusError struct {
	StatusCode  int
	BodySnippet string
}

func (e *HTTPStatusError) Error() string {
	if e.BodySnippet == "" {
		return fmt.Sprintf("transient status %d", e.StatusCode)
	}
	return fmt.Sprintf("transient status %d: %s", e.StatusCode, e.BodySnippet)
}

type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// DoHTTP runs do until it returns a non-retryable outcome or the policy runs out of attempts.
// A response with a status outside the retryable set is returned as is, without error.
func DoHTTP(ctx context.Context, policy Policy, logger *slog.Logger, do func(ctx context.Context) (*http.Response, []byte, error)) (*http.Response, []byte, error) {
	policy = withDefaults(policy)
	maxAttempts := policy.Attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		resp, body, err := do(ctx)
		if err != nil {
			retryable := IsRetryableNetErr(ctx, err)
			if !retryable {
				return resp, body, err
			}
			if attempt == maxAttempts {
				return resp, body, &ExhaustedError{Cause: err, Attempts: attempt}
			}
			delay := policy.Delay(attempt)
			reason := reasonForNetErr(err)
			policy.notify(attempt+1, reason, delay)
			logRetry(logger, attempt+1, maxAttempts, 0, reason, delay, false, "")
			if err := policy.Sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}

		if resp == nil {
			return nil, nil, errors.New("nil response from http client")
		}

		status := resp.StatusCode
		if policy.isRetryableStatus(status) {
			snippet := bodySnippet(body, policy.SnippetLimit)
			if attempt == maxAttempts {
				return resp, body, &ExhaustedError{
					Cause:    &HTTPStatusError{StatusCode: status, BodySnippet: snippet},
					Attempts: attempt,
				}
			}

			retryAfter, usedRetryAfter := parseRetryAfter(resp.Header, policy.Now())
			delay := policy.nextDelay(attempt, retryAfter, usedRetryAfter)
			reason := reasonForStatus(status)
			policy.notify(attempt+1, reason, delay)
			logRetry(logger, attempt+1, maxAttempts, status, reason, delay, usedRetryAfter, snippet)
			if err := policy.Sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}

		return resp, body, nil
	}

	return nil, nil, errors.New("retry attempts exhausted")
}

// Attempts returns the total number of calls the policy allows, the first one included.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	if p.MaxRetries == 0 {
		return defaultMaxRetries + 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait before retry number retryIndex (1-based):
// BaseDelay*Multiplier^(retryIndex-1) plus up to JitterFraction of it, never above MaxDelay.
func (p Policy) Delay(retryIndex int) time.Duration {
	p = withDefaults(p)
	return p.jitterDelay(p.backoffDelay(retryIndex))
}

func withDefaults(p Policy) Policy {
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultJitterFraction
	}
	if len(p.RetryableStatuses) == 0 {
		p.RetryableStatuses = DefaultRetryableStatuses
	}
	if p.SnippetLimit == 0 {
		p.SnippetLimit = defaultSnippetLimit
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.Rand = rng.Float64
	}
	return p
}

func (p Policy) backoffDelay(retryIndex int) time.Duration {
	if retryIndex < 1 {
		retryIndex = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryIndex-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) jitterDelay(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	if p.JitterFraction > 0 {
		// Jitter only adds time, so the expected delay still grows with every attempt.
		r := p.Rand()
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		delay += time.Duration(float64(delay) * p.JitterFraction * r)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) nextDelay(retryIndex int, retryAfter time.Duration, usedRetryAfter bool) time.Duration {
	if usedRetryAfter {
		return minDuration(retryAfter, p.MaxDelay)
	}
	return p.jitterDelay(p.backoffDelay(retryIndex))
}

func (p Policy) isRetryableStatus(status int) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (p Policy) notify(attempt int, reason string, delay time.Duration) {
	if p.OnRetry != nil {
		p.OnRetry(attempt, reason, delay)
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, true
		}
		return time.Duration(seconds) * time.Second, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		delay := parsed.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

func reasonForStatus(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate limit"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "upstream 5xx"
	default:
		return "http error"
	}
}

// IsRetryableNetErr reports whether a transport error is worth another attempt.
// Cancellation of the caller's own context never is.
func IsRetryableNetErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "connection refused")
}

// IsTimeout reports whether err (possibly wrapped in ExhaustedError) is a timeout:
// a deadline, a network timeout or a 408/504 from upstream.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

func reasonForNetErr(err error) string {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof"
	}
	if errors.Is(err, syscall.ECONNRESET) || strings.Contains(strings.ToLower(err.Error()), "connection reset") {
		return "connection reset"
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return "connection refused"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network error"
}

func logRetry(logger *slog.Logger, attempt int, maxAttempts int, status int, reason string, delay time.Duration, usedRetryAfter bool, snippet string) {
	if logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.String("reason", reason),
		slog.Duration("retry_in", delay),
		slog.Bool("retry_after_used", usedRetryAfter),
	}
	if status > 0 {
		attrs = append(attrs, slog.Int("status", status))
	}
	if snippet != "" {
		attrs = append(attrs, slog.String("snippet", snippet))
	}
	logger.LogAttrs(context.Background(), slog.LevelWarn, "retrying backend request", attrs...)
}

func bodySnippet(body []byte, limit int) string {
	if len(body) == 0 || limit <= 0 {
		return ""
	}
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= b {
		return a
	}
	return b
}
