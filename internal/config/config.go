package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Config все параметры сервиса. Значения берутся из флагов, затем из окружения
// (в том числе из .env), затем из значений по умолчанию.
type Config struct {
	HTTPAddr       string        `long:"http-addr" env:"HTTP_ADDR" default:":8080" description:"http listen address"`
	LogLevel       string        `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	LogFormat      string        `long:"log-format" env:"LOG_FORMAT" default:"json" description:"json, text or tint"`
	RequestTimeout time.Duration `long:"http-client-timeout" env:"HTTP_CLIENT_TIMEOUT" default:"60s" description:"timeout of a single backend request"`
	ShutdownGrace  time.Duration `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"10s" description:"graceful shutdown timeout"`

	API          APIConfig          `group:"api" namespace:"api" env-namespace:"API"`
	Ollama       OllamaConfig       `group:"ollama" namespace:"ollama" env-namespace:"OLLAMA"`
	Assistant    AssistantConfig    `group:"assistant" namespace:"assistant" env-namespace:"ASSISTANT"`
	Conversation ConversationConfig `group:"conversation" namespace:"conversation" env-namespace:"CONVERSATION"`
	Session      SessionConfig      `group:"session" namespace:"session" env-namespace:"SESSION"`
	Journal      JournalConfig      `group:"journal" namespace:"journal" env-namespace:"JOURNAL"`
	Gateway      GatewayConfig      `group:"gateway" namespace:"gateway" env-namespace:"GATEWAY"`
	Sentry       SentryConfig       `group:"sentry" namespace:"sentry" env-namespace:"SENTRY"`
}

type APIConfig struct {
	Key         string   `long:"key" env:"KEY" description:"api key required in X-API-Key; empty disables the check"`
	CORSOrigins []string `long:"cors-origin" env:"CORS_ORIGINS" env-delim:"," description:"allowed CORS origins"`
	RateRPS     float64  `long:"rate-rps" env:"RATE_RPS" default:"5" description:"requests per second per client"`
	RateBurst   int      `long:"rate-burst" env:"RATE_BURST" default:"10" description:"burst size per client"`
}

type OllamaConfig struct {
	BaseURL           string        `long:"base-url" env:"BASE_URL" default:"http://localhost:11434" description:"ollama base url"`
	Model             string        `long:"model" env:"MODEL" default:"llama3.2" description:"default model"`
	Temperature       float64       `long:"temperature" env:"TEMPERATURE" default:"0.7" description:"sampling temperature"`
	MaxTokens         int           `long:"max-tokens" env:"MAX_TOKENS" default:"500" description:"max tokens to generate"`
	MaxRetries        int           `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"extra attempts after a failure"`
	RetryBackoff      time.Duration `long:"retry-backoff" env:"RETRY_BACKOFF" default:"1s" description:"base delay between attempts"`
	RetryableStatuses []int         `long:"retryable-status" env:"RETRYABLE_STATUSES" env-delim:"," default:"408" default:"429" default:"500" default:"502" default:"503" default:"504" description:"http statuses worth retrying"`
	KeepAlive         string        `long:"keep-alive" env:"KEEP_ALIVE" description:"how long the model stays loaded"`
	Format            string        `long:"format" env:"FORMAT" description:"empty or json"`
	ModelsTTL         time.Duration `long:"models-ttl" env:"MODELS_TTL" default:"60s" description:"model list cache ttl"`
	Stop              []string      `long:"stop" env:"STOP" env-delim:"|" description:"stop sequences"`
}

type AssistantConfig struct {
	Names            []string      `long:"name" env:"NAMES" env-delim:"," default:"jason" description:"names the assistant answers to in groups"`
	Threshold        float64       `long:"threshold" env:"THRESHOLD" default:"0.8" description:"auto reply confidence threshold"`
	ContextWindow    int           `long:"context-window" env:"CONTEXT_WINDOW" default:"6" description:"recent messages in the prompt"`
	MaxContextChars  int           `long:"max-context-chars" env:"MAX_CONTEXT_CHARS" default:"2000" description:"context size limit"`
	SnippetChars     int           `long:"snippet-chars" env:"SNIPPET_CHARS" default:"240" description:"per message snippet limit"`
	DisableQuestions bool          `long:"disable-questions" env:"DISABLE_QUESTIONS" description:"do not extract follow-up questions"`
	ResponseDelay    time.Duration `long:"response-delay" env:"RESPONSE_DELAY" default:"1s" description:"pause before a reply is sent"`
	SelfID           string        `long:"self-id" env:"SELF_ID" default:"self" description:"sender id of the account owner"`
}

type ConversationConfig struct {
	MaxLength       int           `long:"max-length" env:"MAX_LENGTH" default:"50" description:"messages kept per chat"`
	IdleTimeout     time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"24h" description:"evict chats idle longer than this"`
	CleanupInterval time.Duration `long:"cleanup-interval" env:"CLEANUP_INTERVAL" default:"1h" description:"sweep interval"`
	EmptyGrace      time.Duration `long:"empty-grace" env:"EMPTY_GRACE" default:"5m" description:"age after which empty chats are evicted"`
}

type SessionConfig struct {
	Driver        string        `long:"driver" env:"DRIVER" default:"memory" choice:"memory" choice:"file" choice:"redis" description:"session context store"`
	Path          string        `long:"path" env:"PATH" default:"data/sessions.json" description:"file driver path"`
	RedisAddr     string        `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"redis address"`
	RedisPassword string        `long:"redis-password" env:"REDIS_PASSWORD" description:"redis password"`
	RedisDB       int           `long:"redis-db" env:"REDIS_DB" default:"0" description:"redis database"`
	TTL           time.Duration `long:"ttl" env:"TTL" default:"24h" description:"redis key ttl"`
}

type JournalConfig struct {
	Driver string `long:"driver" env:"DRIVER" default:"sqlite3" description:"sqlite3 or pgx"`
	DSN    string `long:"dsn" env:"DSN" description:"database dsn; empty disables the journal"`
}

type GatewayConfig struct {
	URL           string `long:"url" env:"URL" description:"whatsapp gateway base url"`
	Username      string `long:"username" env:"USERNAME" description:"gateway basic auth user"`
	Password      string `long:"password" env:"PASSWORD" description:"gateway basic auth password"`
	WebhookSecret string `long:"webhook-secret" env:"WEBHOOK_SECRET" description:"hmac secret of incoming webhooks"`
}

type SentryConfig struct {
	DSN         string `long:"dsn" env:"DSN" description:"sentry dsn; empty disables reporting"`
	Environment string `long:"environment" env:"ENVIRONMENT" default:"development" description:"sentry environment"`
}

// Load читает .env (если есть), разбирает флаги и окружение и проверяет результат.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя выразить тегами.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "tint":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("http client timeout must be positive")
	}
	if _, err := url.ParseRequestURI(c.Ollama.BaseURL); err != nil {
		return fmt.Errorf("parse ollama base url: %w", err)
	}
	if c.Ollama.MaxRetries < 0 {
		return fmt.Errorf("ollama max retries must not be negative")
	}
	if c.Conversation.MaxLength <= 0 {
		return fmt.Errorf("conversation max length must be positive")
	}
	if c.Conversation.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.Gateway.URL != "" {
		if _, err := url.ParseRequestURI(c.Gateway.URL); err != nil {
			return fmt.Errorf("parse gateway url: %w", err)
		}
	}
	if c.Journal.DSN != "" {
		switch strings.ToLower(c.Journal.Driver) {
		case "sqlite", "sqlite3", "pgx", "postgres", "postgresql":
		default:
			return fmt.Errorf("unknown journal driver %q", c.Journal.Driver)
		}
	}
	return nil
}
