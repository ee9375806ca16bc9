package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" || cfg.Ollama.Model != "llama3.2" || cfg.Ollama.MaxRetries != 3 {
		t.Fatalf("unexpected ollama defaults %+v", cfg.Ollama)
	}
	if len(cfg.Ollama.RetryableStatuses) != 6 || cfg.Ollama.RetryableStatuses[0] != 408 {
		t.Fatalf("unexpected retryable statuses %v", cfg.Ollama.RetryableStatuses)
	}
	if cfg.Assistant.Threshold != 0.8 || len(cfg.Assistant.Names) != 1 || cfg.Assistant.Names[0] != "jason" {
		t.Fatalf("unexpected assistant defaults %+v", cfg.Assistant)
	}
	if cfg.Conversation.IdleTimeout != 24*time.Hour || cfg.Conversation.EmptyGrace != 5*time.Minute {
		t.Fatalf("unexpected conversation defaults %+v", cfg.Conversation)
	}
	if cfg.Session.Driver != "memory" || cfg.Journal.DSN != "" {
		t.Fatalf("unexpected storage defaults %+v %+v", cfg.Session, cfg.Journal)
	}
}

func TestLoadEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := "OLLAMA_MODEL=mistral\nASSISTANT_NAMES=jason,jay\nCONVERSATION_MAX_LENGTH=20\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		for _, key := range []string{"OLLAMA_MODEL", "ASSISTANT_NAMES", "CONVERSATION_MAX_LENGTH"} {
			os.Unsetenv(key)
		}
	})
	t.Setenv("OLLAMA_RETRYABLE_STATUSES", "429,503")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load([]string{"--ollama.max-tokens=128", "--log-format=tint"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ollama.Model != "mistral" || cfg.Ollama.MaxTokens != 128 {
		t.Fatalf("env or flag not applied: %+v", cfg.Ollama)
	}
	if len(cfg.Assistant.Names) != 2 || cfg.Assistant.Names[1] != "jay" {
		t.Fatalf("names not split: %v", cfg.Assistant.Names)
	}
	if len(cfg.Ollama.RetryableStatuses) != 2 || cfg.Ollama.RetryableStatuses[1] != 503 {
		t.Fatalf("statuses not split: %v", cfg.Ollama.RetryableStatuses)
	}
	if cfg.Conversation.MaxLength != 20 || cfg.API.Key != "secret" || cfg.LogFormat != "tint" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := [][]string{
		{"--log-format=xml"},
		{"--ollama.base-url=not a url"},
		{"--conversation.max-length=0"},
		{"--journal.dsn=file.db", "--journal.driver=mysql"},
		{"--session.driver=etcd"},
	}
	for _, args := range cases {
		if _, err := Load(args); err == nil {
			t.Fatalf("args %v: expected error", args)
		}
	}
}
