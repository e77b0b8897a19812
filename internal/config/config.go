// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.verba/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Models: chat, summary and embedding model selection
//   - Context: token budget, relevance threshold, enrichment limits
//   - Storage: SQLite path or PostgreSQL connection
//   - Relay: reply chunk size, per-user token limits
//
// Validation uses sentinel errors so callers can match with errors.Is.
// Sensitive values (API key) are read from the environment only and are
// never logged.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the OpenAI API key is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates a model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTokenBudget indicates the context token budget is out of range.
	ErrInvalidTokenBudget = errors.New("invalid context token budget")

	// ErrInvalidThreshold indicates the relevance threshold is outside [-1, 1].
	ErrInvalidThreshold = errors.New("invalid relevance threshold")

	// ErrInvalidTopN indicates the relevance result count is not positive.
	ErrInvalidTopN = errors.New("invalid relevance top n")

	// ErrInvalidChunkSize indicates the reply chunk size is not positive.
	ErrInvalidChunkSize = errors.New("invalid reply chunk size")

	// ErrInvalidBackend indicates an unsupported storage backend.
	ErrInvalidBackend = errors.New("invalid storage backend")
)

// Storage backend identifiers.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultPersona is the system message prepended to every transcript.
const DefaultPersona = "You are Verba: a slightly cynical, yet compassionate, " +
	"highly competent, and knowledgeable assistant."

// Config holds the full application configuration.
type Config struct {
	// Model selection
	ChatModel      string `mapstructure:"chat_model"`
	SummaryModel   string `mapstructure:"summary_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`

	// Persona is the fixed system prompt describing the assistant.
	Persona string `mapstructure:"persona"`

	// Context management
	ContextTokens    int     `mapstructure:"context_tokens"`     // summarization trigger budget
	SummaryMaxTokens int     `mapstructure:"summary_max_tokens"` // cap on summarizer output
	MinContextLength int     `mapstructure:"min_context_length"` // skip enrichment below this input length
	RelevanceCutoff  float64 `mapstructure:"relevance_threshold"`
	RelevanceTopN    int     `mapstructure:"relevance_top_n"`

	// Relay
	ReplyChunkSize  int   `mapstructure:"reply_chunk_size"` // transport message size limit
	DailyTokenLimit int   `mapstructure:"daily_token_limit"`
	AdminUserID     int64 `mapstructure:"admin_user_id"`

	// Storage
	StorageBackend string `mapstructure:"storage_backend"` // "sqlite" or "postgres"
	SQLitePath     string `mapstructure:"sqlite_path"`
	PostgresURL    string `mapstructure:"postgres_url"`

	// APIKey is populated from OPENAI_API_KEY, never from the config file.
	APIKey string `mapstructure:"-"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".verba")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v, configDir)

	v.SetEnvPrefix("VERBA")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	cfg.APIKey = os.Getenv("OPENAI_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("chat_model", "gpt-4o")
	v.SetDefault("summary_model", "gpt-4o-mini")
	v.SetDefault("embedding_model", "text-embedding-3-small")
	v.SetDefault("persona", DefaultPersona)

	v.SetDefault("context_tokens", 2000)
	v.SetDefault("summary_max_tokens", 2000)
	v.SetDefault("min_context_length", 300)
	v.SetDefault("relevance_threshold", 0.7)
	v.SetDefault("relevance_top_n", 5)

	v.SetDefault("reply_chunk_size", 4096)
	v.SetDefault("daily_token_limit", 0) // 0 = unlimited
	v.SetDefault("admin_user_id", 0)

	v.SetDefault("storage_backend", BackendSQLite)
	v.SetDefault("sqlite_path", filepath.Join(configDir, "verba.db"))
	v.SetDefault("postgres_url", "")
}

// Validate performs fail-fast validation of the configuration.
func (c *Config) Validate() error {
	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat_model is empty", ErrInvalidModelName)
	}
	if c.SummaryModel == "" {
		return fmt.Errorf("%w: summary_model is empty", ErrInvalidModelName)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding_model is empty", ErrInvalidModelName)
	}
	if c.ContextTokens <= 0 {
		return fmt.Errorf("%w: context_tokens must be positive, got %d",
			ErrInvalidTokenBudget, c.ContextTokens)
	}
	if c.SummaryMaxTokens <= 0 {
		return fmt.Errorf("%w: summary_max_tokens must be positive, got %d",
			ErrInvalidTokenBudget, c.SummaryMaxTokens)
	}
	if c.RelevanceCutoff < -1 || c.RelevanceCutoff > 1 {
		return fmt.Errorf("%w: got %g", ErrInvalidThreshold, c.RelevanceCutoff)
	}
	if c.RelevanceTopN <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTopN, c.RelevanceTopN)
	}
	if c.ReplyChunkSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, c.ReplyChunkSize)
	}
	switch c.StorageBackend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.StorageBackend)
	}
	return nil
}

// RequireAPIKey returns an error when no API key is configured. Separated
// from Validate so offline commands (sessions, version) work without one.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: set OPENAI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}
