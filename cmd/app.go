package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/verba0/verba/internal/config"
	"github.com/verba0/verba/internal/database"
	"github.com/verba0/verba/internal/llm"
	"github.com/verba0/verba/internal/log"
	"github.com/verba0/verba/internal/relay"
	"github.com/verba0/verba/internal/session"
	"github.com/verba0/verba/internal/store"
	pgstore "github.com/verba0/verba/internal/store/postgres"
	"github.com/verba0/verba/internal/tokens"
)

// localUserID identifies the terminal user in the store. The relay itself
// is multi-user; the CLI is its single-user transport.
const localUserID int64 = 1

// app bundles everything a command needs after wiring.
type app struct {
	cfg    *config.Config
	relay  *relay.Relay
	store  relay.Store
	logger *slog.Logger
	close  func()
}

// setup loads configuration, opens the configured storage backend, runs
// migrations and assembles the relay. Callers must call close when done.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: OPENAI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Verba needs an OpenAI API key:")
		fmt.Fprintln(os.Stderr, "  export OPENAI_API_KEY=your-api-key")
		return nil, err
	}

	level := slog.LevelInfo
	if debugFlag || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// The local user exists before the first turn so the configured daily
	// allowance can be applied.
	if err := st.EnsureUser(ctx, localUserID); err != nil {
		closeStore()
		return nil, fmt.Errorf("provisioning local user: %w", err)
	}
	if cfg.DailyTokenLimit > 0 {
		if err := setTokenLimit(ctx, st, localUserID, cfg.DailyTokenLimit); err != nil {
			closeStore()
			return nil, err
		}
	}

	oai := llm.NewOpenAI(cfg.APIKey, cfg.EmbeddingModel, logger)

	r := relay.New(relay.Config{
		Engine: session.Config{
			Persona:          cfg.Persona,
			ChatModel:        cfg.ChatModel,
			SummaryModel:     cfg.SummaryModel,
			ContextTokens:    cfg.ContextTokens,
			SummaryMaxTokens: cfg.SummaryMaxTokens,
			MinContextLength: cfg.MinContextLength,
			RelevanceCutoff:  cfg.RelevanceCutoff,
			RelevanceTopN:    cfg.RelevanceTopN,
		},
		ReplyChunkSize: cfg.ReplyChunkSize,
		AdminUserID:    cfg.AdminUserID,
	}, relay.Deps{
		Store:     st,
		Embedder:  oai,
		Completer: oai,
		Estimator: tokens.NewEstimator(logger),
		Logger:    logger,
	})

	return &app{cfg: cfg, relay: r, store: st, logger: logger, close: closeStore}, nil
}

// limitSetter is implemented by both storage backends.
type limitSetter interface {
	SetTokenLimit(ctx context.Context, userID int64, limit int) error
}

func setTokenLimit(ctx context.Context, st relay.Store, userID int64, limit int) error {
	ls, ok := st.(limitSetter)
	if !ok {
		return nil
	}
	// Only apply the configured default to users without an explicit limit.
	u, err := st.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %d: %w", userID, err)
	}
	if u.TokenLimit != 0 {
		return nil
	}
	if err := ls.SetTokenLimit(ctx, userID, limit); err != nil {
		return fmt.Errorf("setting token limit: %w", err)
	}
	return nil
}

// openStore opens the configured backend and runs its migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		if err := pgstore.Migrate(cfg.PostgresURL); err != nil {
			return nil, nil, fmt.Errorf("migrating postgres schema: %w", err)
		}
		pool, err := pgstore.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool, logger), pool.Close, nil

	default:
		db, err := database.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := database.Migrate(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrating database: %w", err)
		}
		return store.NewSQLite(db, logger), func() { _ = db.Close() }, nil
	}
}
