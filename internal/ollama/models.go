package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"waassist/internal/retry"
)

const healthTimeout = 5 * time.Second

// ListModels возвращает имена локально доступных моделей.
// Результат кэшируется на TTL, force идёт мимо кэша. Ошибки не кэшируются.
func (c *Client) ListModels(ctx context.Context, force bool) ([]string, error) {
	if !force {
		if cached, ok := c.cachedModels(); ok {
			return cached, nil
		}
	}

	start := time.Now()
	resp, body, err := retry.DoHTTP(ctx, c.policy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/tags", nil)
		if err != nil {
			return nil, nil, err
		}
		resp, err := c.httpClient.Do(req)
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
		c.metrics.ObserveBackend("tags", outcomeOf(err), time.Since(start))
		return nil, fmt.Errorf("ollama list models: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveBackend("tags", "status", time.Since(start))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	c.metrics.ObserveBackend("tags", "ok", time.Since(start))

	var parsed tagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name != "" {
			names = append(names, name)
		}
	}

	c.modelsMu.Lock()
	c.models = names
	c.modelsAt = c.now()
	c.modelsMu.Unlock()

	return append([]string(nil), names...), nil
}

// CachedModels последний полученный список моделей без обращения к бэкенду.
func (c *Client) CachedModels() []string {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	return append([]string(nil), c.models...)
}

func (c *Client) cachedModels() ([]string, bool) {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	if c.models == nil || c.now().Sub(c.modelsAt) >= c.modelsTTL {
		return nil, false
	}
	return append([]string(nil), c.models...), true
}

// Health проверяет, отвечает ли бэкенд на /api/tags. Делает одну попытку.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
