package ollama

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation запрос отклонён до обращения к сети.
var ErrValidation = errors.New("invalid generate request")

// ValidationError какое поле GenerateRequest непригодно и почему.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid generate request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StatusError возвращается для HTTP-статусов вне множества повторяемых.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("ollama: unexpected status %d: %s", e.StatusCode, e.Body)
}

// GenerateRequest один вызов /api/generate.
// Если Context задан, он уходит как есть, кэш сессий не читается.
type GenerateRequest struct {
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	SessionID   string
	Context     []int
	Stop        []string
	Format      string
	KeepAlive   string
	Options     map[string]any
}

// Reply полный ответ или один фрагмент потока.
type Reply struct {
	Model              string
	CreatedAt          time.Time
	Text               string
	Done               bool
	Context            []int
	TotalDuration      time.Duration
	LoadDuration       time.Duration
	PromptEvalDuration time.Duration
	EvalDuration       time.Duration
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options"`
	Stop      []string       `json:"stop,omitempty"`
	Format    string         `json:"format,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Context   []int          `json:"context,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}
