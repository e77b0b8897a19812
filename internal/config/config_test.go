package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

// defaultConfig builds a Config from defaults only, without touching the
// user's home directory.
func defaultConfig(t *testing.T) *Config {
	t.Helper()

	v := viper.New()
	setDefaults(v, t.TempDir())

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should validate, got %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := defaultConfig(t)

	if cfg.ContextTokens != 2000 {
		t.Errorf("ContextTokens = %d, want 2000", cfg.ContextTokens)
	}
	if cfg.RelevanceCutoff != 0.7 {
		t.Errorf("RelevanceCutoff = %g, want 0.7", cfg.RelevanceCutoff)
	}
	if cfg.RelevanceTopN != 5 {
		t.Errorf("RelevanceTopN = %d, want 5", cfg.RelevanceTopN)
	}
	if cfg.MinContextLength != 300 {
		t.Errorf("MinContextLength = %d, want 300", cfg.MinContextLength)
	}
	if cfg.ReplyChunkSize != 4096 {
		t.Errorf("ReplyChunkSize = %d, want 4096", cfg.ReplyChunkSize)
	}
	if cfg.StorageBackend != BackendSQLite {
		t.Errorf("StorageBackend = %q, want sqlite", cfg.StorageBackend)
	}
	if filepath.Base(cfg.SQLitePath) != "verba.db" {
		t.Errorf("SQLitePath = %q, want .../verba.db", cfg.SQLitePath)
	}
	if cfg.Persona == "" {
		t.Error("Persona should have a default")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty chat model", func(c *Config) { c.ChatModel = "" }, ErrInvalidModelName},
		{"empty summary model", func(c *Config) { c.SummaryModel = "" }, ErrInvalidModelName},
		{"empty embedding model", func(c *Config) { c.EmbeddingModel = "" }, ErrInvalidModelName},
		{"zero budget", func(c *Config) { c.ContextTokens = 0 }, ErrInvalidTokenBudget},
		{"negative summary cap", func(c *Config) { c.SummaryMaxTokens = -1 }, ErrInvalidTokenBudget},
		{"threshold above one", func(c *Config) { c.RelevanceCutoff = 1.5 }, ErrInvalidThreshold},
		{"threshold below minus one", func(c *Config) { c.RelevanceCutoff = -2 }, ErrInvalidThreshold},
		{"zero top n", func(c *Config) { c.RelevanceTopN = 0 }, ErrInvalidTopN},
		{"zero chunk size", func(c *Config) { c.ReplyChunkSize = 0 }, ErrInvalidChunkSize},
		{"unknown backend", func(c *Config) { c.StorageBackend = "dynamodb" }, ErrInvalidBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	cfg := defaultConfig(t)

	cfg.APIKey = ""
	if !errors.Is(cfg.RequireAPIKey(), ErrMissingAPIKey) {
		t.Error("expected ErrMissingAPIKey for empty key")
	}

	cfg.APIKey = "sk-test"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Errorf("unexpected error with key set: %v", err)
	}
}
