package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"waassist/internal/metrics"
	"waassist/internal/retry"
	"waassist/internal/sessionctx"
)

const (
	defaultModelsTTL  = 60 * time.Second
	maxErrorBodyBytes = 64 << 10
)

// Config параметры бэкенда, которые клиент принимает снаружи.
type Config struct {
	BaseURL           string
	Model             string
	MaxRetries        int
	RetryBackoff      time.Duration
	RetryableStatuses []int
	ModelsTTL         time.Duration
}

// Client клиент Ollama-совместимого /api/generate.
// Общее между вызовами состояние только кэш сессий.
type Client struct {
	baseURL      string
	model        string
	httpClient   *http.Client
	streamClient *http.Client
	policy       retry.Policy
	sessions     sessionctx.Store
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	modelsTTL    time.Duration

	modelsMu sync.Mutex
	models   []string
	modelsAt time.Time
}

type Option func(*Client)

// WithStreamClient задаёт клиент для потоковых вызовов; общего таймаута у него быть не должно.
func WithStreamClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.streamClient = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// WithSleeper подменяет ожидание между попытками (для тестов).
func WithSleeper(s retry.Sleeper) Option {
	return func(cl *Client) {
		cl.policy.Sleep = s
	}
}

func WithRand(r retry.RandFunc) Option {
	return func(cl *Client) {
		cl.policy.Rand = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

func NewClient(cfg Config, httpClient *http.Client, sessions sessionctx.Store, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if sessions == nil {
		sessions = sessionctx.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.MaxRetries == 0 {
		// Ноль в конфиге означает "без повторов", в отличие от значения политики по умолчанию.
		policy.MaxRetries = -1
	}
	if cfg.RetryBackoff > 0 {
		policy.BaseDelay = cfg.RetryBackoff
	}
	if len(cfg.RetryableStatuses) > 0 {
		policy.RetryableStatuses = append([]int(nil), cfg.RetryableStatuses...)
	}

	ttl := cfg.ModelsTTL
	if ttl <= 0 {
		ttl = defaultModelsTTL
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: httpClient,
		policy:     policy,
		sessions:   sessions,
		logger:     logger,
		now:        time.Now,
		modelsTTL:  ttl,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.streamClient == nil {
		c.streamClient = httpClient
	}
	c.policy.OnRetry = func(attempt int, reason string, delay time.Duration) {
		c.metrics.IncRetry(reason)
	}
	return c
}

// DefaultModel модель для запросов, в которых она не указана.
func (c *Client) DefaultModel() string {
	return c.model
}

// Generate отправляет обычный запрос и повторяет его при временных сбоях.
// Успешный ответ странной формы разбирается мягко и не считается ошибкой.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Reply, error) {
	payload, model, err := c.prepare(ctx, req, false)
	if err != nil {
		return Reply{}, err
	}

	start := time.Now()
	resp, body, err := retry.DoHTTP(ctx, c.policy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/generate", payload)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp, nil, err
		}
		return resp, data, nil
	})
	if err != nil {
		c.metrics.ObserveBackend("generate", outcomeOf(err), time.Since(start))
		return Reply{}, fmt.Errorf("ollama generate: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveBackend("generate", "status", time.Since(start))
		return Reply{}, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	c.metrics.ObserveBackend("generate", "ok", time.Since(start))

	reply, ok := decodeReply(body, model, true)
	if !ok {
		c.logger.Warn("backend returned non-json body, using defaults",
			slog.String("model", model),
			slog.Int("bytes", len(body)))
	}
	c.remember(ctx, req.SessionID, reply.Context)
	return reply, nil
}

// Stream открывает потоковый запрос. Повторы действуют только до получения ответа:
// сбой посреди потока завершает его, нужен новый вызов.
func (c *Client) Stream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	payload, model, err := c.prepare(ctx, req, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, body, err := retry.DoHTTP(ctx, c.policy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/generate", payload)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.streamClient.Do(httpReq)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			return resp, data, nil
		}
		return resp, nil, nil
	})
	if err != nil {
		c.metrics.ObserveBackend("stream", outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveBackend("stream", "status", time.Since(start))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	c.metrics.ObserveBackend("stream", "ok", time.Since(start))

	sessionID := req.SessionID
	storeCtx := context.WithoutCancel(ctx)
	return newStream(resp.Body, model, c.logger, func(final Reply) {
		c.remember(storeCtx, sessionID, final.Context)
	}), nil
}

// ResetSession забывает токен продолжения сессии.
func (c *Client) ResetSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return c.sessions.Delete(ctx, sessionID)
}

func (c *Client) prepare(ctx context.Context, req GenerateRequest, stream bool) ([]byte, string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, "", &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if math.IsNaN(req.Temperature) || req.Temperature < 0 || req.Temperature > 2 {
		return nil, "", &ValidationError{Field: "temperature", Reason: "must be within [0, 2]"}
	}
	if req.MaxTokens <= 0 {
		return nil, "", &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, "", &ValidationError{Field: "model", Reason: "is required"}
	}

	tokens := req.Context
	if tokens == nil && req.SessionID != "" {
		cached, ok, err := c.sessions.Get(ctx, req.SessionID)
		if err != nil {
			c.logger.Warn("session context read failed",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()))
		} else if ok {
			tokens = cached
		}
	}

	options := make(map[string]any, len(req.Options)+2)
	for k, v := range req.Options {
		options[k] = v
	}
	options["temperature"] = req.Temperature
	options["num_predict"] = req.MaxTokens

	body, err := json.Marshal(generateRequest{
		Model:     model,
		Prompt:    req.Prompt,
		Stream:    stream,
		Options:   options,
		Stop:      req.Stop,
		Format:    req.Format,
		KeepAlive: req.KeepAlive,
		Context:   tokens,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	return body, model, nil
}

func (c *Client) remember(ctx context.Context, sessionID string, tokens []int) {
	if sessionID == "" || len(tokens) == 0 {
		return
	}
	if err := c.sessions.Set(ctx, sessionID, tokens); err != nil {
		c.logger.Warn("session context write failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// IsTimeout сообщает, что ошибка Generate или Stream относится к таймаутам.
func IsTimeout(err error) bool {
	return retry.IsTimeout(err)
}

func outcomeOf(err error) string {
	switch {
	case retry.IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
