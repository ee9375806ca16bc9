package assistant

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"waassist/internal/contract"
	"waassist/internal/policy"
	"waassist/internal/prompt"
)

const (
	DefaultModel         = "llama3.2"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 500
	DefaultResponseDelay = time.Second
	FormatJSON           = "json"
)

// Config параметры генерации и автоответа. Проверяется один раз в NewService.
type Config struct {
	Model              string
	Temperature        float64
	MaxTokens          int
	ContextWindow      int
	EnableQuestions    bool
	ResponseDelay      time.Duration
	AutoReplyThreshold float64
	AssistantNames     []string
	Stop               []string
	KeepAlive          string
	Format             string
	MaxContextChars    int
	SnippetChars       int
	SelfID             string
}

// DefaultConfig значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Model:              DefaultModel,
		Temperature:        DefaultTemperature,
		MaxTokens:          DefaultMaxTokens,
		ContextWindow:      prompt.DefaultRecentCount,
		EnableQuestions:    true,
		ResponseDelay:      DefaultResponseDelay,
		AutoReplyThreshold: policy.DefaultThreshold,
		AssistantNames:     append([]string(nil), policy.DefaultAliases...),
		MaxContextChars:    prompt.DefaultMaxContextChars,
		SnippetChars:       prompt.DefaultSnippetChars,
		SelfID:             policy.DefaultSelfID,
	}
}

// Validate проверяет диапазоны и подставляет значения по умолчанию для пустых полей.
func (c Config) Validate() (Config, error) {
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return c, fmt.Errorf("model is required")
	}
	if math.IsNaN(c.Temperature) || c.Temperature < 0 || c.Temperature > 2 {
		return c, fmt.Errorf("temperature must be in [0, 2], got %v", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return c, fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if math.IsNaN(c.AutoReplyThreshold) || c.AutoReplyThreshold < 0 || c.AutoReplyThreshold > 1 {
		return c, fmt.Errorf("auto reply threshold must be in [0, 1], got %v", c.AutoReplyThreshold)
	}
	if c.ResponseDelay < 0 {
		return c, fmt.Errorf("response delay must not be negative")
	}

	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format != "" && c.Format != FormatJSON {
		return c, fmt.Errorf("unsupported format %q", c.Format)
	}

	names := make([]string, 0, len(c.AssistantNames))
	for _, n := range c.AssistantNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		names = append(names, policy.DefaultAliases...)
	}
	c.AssistantNames = names

	if c.ContextWindow <= 0 {
		c.ContextWindow = prompt.DefaultRecentCount
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = prompt.DefaultMaxContextChars
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = prompt.DefaultSnippetChars
	}
	if strings.TrimSpace(c.SelfID) == "" {
		c.SelfID = policy.DefaultSelfID
	}
	return c, nil
}

// displayName имя ассистента для промпта: первый алиас с заглавной буквы.
func (c Config) displayName() string {
	runes := []rune(c.AssistantNames[0])
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func (c Config) contractName() string {
	if c.Format == FormatJSON {
		return contract.DefaultContract()
	}
	return ""
}
