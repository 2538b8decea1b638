package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jkaninda/datagate/internal/chat"
	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/executor"
	"github.com/jkaninda/datagate/internal/guard"
	"github.com/jkaninda/datagate/internal/intent"
	"github.com/jkaninda/datagate/internal/llm"
	"github.com/jkaninda/datagate/internal/llm/anthropic"
	"github.com/jkaninda/datagate/internal/llm/openai"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/observability"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/security"
	"github.com/jkaninda/datagate/internal/storage"
	pgstore "github.com/jkaninda/datagate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/datagate/internal/storage/sqlite"
)

// SharedComponents holds the initialized pipeline and its dependencies.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Audit persistence (SQLite or PostgreSQL).

	Obs         *observability.Observability
	LLMProvider llm.Provider
	DataDB      *gorm.DB // The queried data source.
	Policy      *query.Policy
	Schema      string
	Auditor     security.Auditor
	Service     *chat.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger. Logs always go to stderr so stdout
// stays free for command output and the MCP stdio protocol.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// initShared builds the chat pipeline from config. Callers must call
// sc.Cleanup() when done. On error everything opened so far is released.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	ready := false
	defer func() {
		if !ready {
			sc.Cleanup()
		}
	}()

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// LLM provider.
	provider, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing llm provider: %w", err)
	}
	sc.LLMProvider = observability.NewInstrumentedProvider(provider, obs)
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))

	// Audit storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing storage", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating storage: %w", err)
	}

	auditor, err := initAuditor(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	sc.Auditor = auditor
	sc.addCleanup(func() {
		if err := auditor.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	// Data source.
	dataDB, err := executor.OpenSource(executor.SourceConfig{
		Driver:       cfg.DataSource.SourceDriver(),
		DSN:          cfg.DataSource.DSN,
		MaxOpenConns: cfg.DataSource.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening data source: %w", err)
	}
	sc.DataDB = dataDB
	sc.addCleanup(func() {
		if sqlDB, err := dataDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	ex := observability.NewInstrumentedExecutor(
		executor.New(dataDB, cfg.DataSource.QueryTimeout(), cfg.DataSource.MaxRows, logger),
		obs,
	)

	// Policy and schema description.
	sc.Policy = buildPolicy(cfg)
	sc.Schema = query.Describe(sc.Policy)

	// Input guard.
	g, err := guard.New(guardConfig(cfg.Guard))
	if err != nil {
		return nil, fmt.Errorf("initializing input guard: %w", err)
	}

	// Conversation memory.
	memStore, err := initMemoryStore(ctx, sc, logger)
	if err != nil {
		return nil, err
	}
	mgr := memory.NewManager(memStore, cfg.Memory.MaxHistory(), cfg.Memory.Budget(), logger)

	interp := intent.NewInterpreter(sc.LLMProvider, sc.Schema, cfg.Interpreter.Timeout(), cfg.Interpreter.Tokens(), logger)

	opts := []chat.Option{
		chat.WithAuditor(auditor),
		chat.WithObservability(obs),
	}
	if cfg.DataSource.Parallelism > 0 {
		opts = append(opts, chat.WithParallelism(cfg.DataSource.Parallelism))
	}
	sc.Service = chat.NewService(g, query.NewAuthorizer(sc.Policy), mgr, interp, ex, logger, opts...)

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("data_source", func(ctx context.Context) error {
			sqlDB, err := dataDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
		obs.Health.AddCheck("storage", store.Ping)
	}

	logger.Info("pipeline initialized",
		slog.String("provider", provider.Name()),
		slog.String("data_source", cfg.DataSource.SourceDriver()),
		slog.String("storage", store.Driver()),
		slog.String("memory", cfg.Memory.MemoryBackend()),
		slog.String("schema_version", query.SchemaVersion),
	)
	ready = true
	return sc, nil
}

// initStore creates the audit storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if envDSN := os.Getenv("DATAGATE_STORAGE_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or DATAGATE_STORAGE_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initAuditor wires the JSONL audit log and, when configured, the storage
// backend. A disabled audit config yields a no-op auditor.
func initAuditor(cfg *config.Config, store storage.Store, logger *slog.Logger) (security.Auditor, error) {
	if cfg.Audit != nil && cfg.Audit.Disable {
		logger.Warn("audit logging disabled")
		return security.NopAuditor{}, nil
	}

	path := cfg.AuditLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory %s: %w", filepath.Dir(path), err)
	}
	fileAudit, err := security.NewAuditLogger(path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit logger: %w", err)
	}

	auditors := security.MultiAuditor{fileAudit}
	if cfg.Audit != nil && cfg.Audit.Store {
		auditors = append(auditors, security.NewStoreAuditLogger(store.Audit(), logger))
	}
	logger.Debug("audit initialized",
		slog.String("path", path),
		slog.Bool("store", len(auditors) > 1),
	)
	return auditors, nil
}

// initMemoryStore creates the session store and its eviction mechanism:
// a cron janitor for the in-process store, key TTLs for Redis.
func initMemoryStore(ctx context.Context, sc *SharedComponents, logger *slog.Logger) (memory.Store, error) {
	cfg := sc.Config
	switch cfg.Memory.MemoryBackend() {
	case "redis":
		rc := cfg.Memory.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		sc.addCleanup(func() { _ = client.Close() })

		store := memory.NewRedisStore(client, rc.Prefix(), cfg.Memory.IdleTTL(), cfg.Memory.MaxStored(), logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
		}
		if sc.Obs != nil && sc.Obs.Health != nil {
			sc.Obs.Health.AddCheck("session_store", store.Ping)
		}
		logger.Debug("redis session store initialized", slog.String("addr", rc.Addr))
		return store, nil

	default:
		opts := []memory.InMemoryOption{memory.WithFoldTimeout(cfg.Interpreter.Timeout())}
		if cfg.Memory != nil && cfg.Memory.SummarizeOverflow {
			opts = append(opts, memory.WithFolder(memory.NewSummarizer(sc.LLMProvider, logger)))
		}
		store := memory.NewInMemoryStore(cfg.Memory.IdleTTL(), cfg.Memory.MaxStored(), logger, opts...)
		sc.addCleanup(store.Drain)

		janitor, err := memory.NewJanitor(store, cfg.Memory.Schedule(), logger)
		if err != nil {
			return nil, err
		}
		stop, err := janitor.Start(ctx)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(stop)
		return store, nil
	}
}

func buildPolicy(cfg *config.Config) *query.Policy {
	p := query.DefaultPolicy()
	if cfg.Policy != nil {
		p = p.WithOverrides(cfg.Policy.PublicStatuses, cfg.Policy.MaxRows)
	}
	return p
}

func guardConfig(gc *config.GuardConfig) guard.Config {
	if gc == nil {
		return guard.Config{}
	}
	return guard.Config{
		MaxChars:       gc.MaxChars,
		ExtraJailbreak: gc.ExtraJailbreak,
		ExtraOffTopic:  gc.ExtraOffTopic,
	}
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
