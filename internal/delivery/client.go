package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"waassist/internal/metrics"
	"waassist/internal/retry"
)

// ErrNotConfigured возвращается, если адрес шлюза не задан.
var ErrNotConfigured = errors.New("whatsapp gateway is not configured")

// Config параметры подключения к шлюзу WhatsApp.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// Text исходящее текстовое сообщение.
type Text struct {
	Phone          string `json:"phone"`
	Message        string `json:"message"`
	ReplyMessageID string `json:"reply_message_id,omitempty"`
}

// Sender отправляет ответы обратно в WhatsApp.
type Sender interface {
	SendText(ctx context.Context, msg Text) (string, error)
}

// HTTPClient клиент REST API шлюза (POST /send/message).
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient создаёт клиент шлюза. Повторы выполняются только для 429 и 503,
// когда сообщение гарантированно не было принято.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	policy.RetryableStatuses = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		policy:     policy,
		logger:     logger,
		metrics:    m,
	}
}

type sendResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Results struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	} `json:"results"`
}

// SendText отправляет текст и возвращает идентификатор сообщения в WhatsApp.
func (c *HTTPClient) SendText(ctx context.Context, msg Text) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(msg.Phone) == "" || strings.TrimSpace(msg.Message) == "" {
		return "", fmt.Errorf("send text: phone and message are required")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal gateway request: %w", err)
	}

	resp, respBody, err := retry.DoHTTP(ctx, c.policy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send/message", bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("build gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return resp, nil, fmt.Errorf("read gateway response: %w", err)
		}
		return resp, buf.Bytes(), nil
	})
	if err != nil {
		c.metrics.IncDelivery("error")
		return "", fmt.Errorf("execute gateway request: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.metrics.IncDelivery("error")
		return "", fmt.Errorf("gateway api status %d: %s", resp.StatusCode, string(respBody))
	}

	var response sendResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		c.metrics.IncDelivery("error")
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if response.Code != "" && response.Code != "SUCCESS" {
		c.metrics.IncDelivery("error")
		return "", fmt.Errorf("gateway api error: %s: %s", response.Code, response.Message)
	}

	c.metrics.IncDelivery("sent")
	return response.Results.MessageID, nil
}
