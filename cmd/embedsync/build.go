package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/viant/embedsync/db/sqliteutil"
	"github.com/viant/embedsync/primary"
	"github.com/viant/embedsync/primary/mongo"
	"github.com/viant/embedsync/primary/sqlstore"
	"github.com/viant/embedsync/service"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/embedsync/vectordb/mem"
	"github.com/viant/embedsync/vectordb/sqlitevec"
	"github.com/viant/sqlite-vec/engine"
)

const defaultConfigPath = "~/embedsync/config.yaml"

// app owns the engine and the resources it was built from.
type app struct {
	cfg     *service.Config
	svc     *service.Service
	logger  zerolog.Logger
	index   closableIndex
	closers []func() error
}

func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closableIndex interface {
	vectordb.Index
	Close() error
}

// openIndex opens the configured vector index. A memory index restores its snapshots first.
func openIndex(ctx context.Context, cfg *service.Config, logger zerolog.Logger) (closableIndex, error) {
	if strings.EqualFold(cfg.Index.Driver, service.IndexMemory) {
		index := mem.NewStore(mem.WithBaseURL(cfg.Index.DSN), mem.WithLogger(logger))
		if err := index.Load(ctx); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		return index, nil
	}
	dsn := cfg.Index.DSN
	if dsn == "" {
		dsn = ":memory:"
		logger.Warn().Msg("index dsn not configured, using in-memory index")
	}
	index, err := sqlitevec.NewStore(
		sqlitevec.WithDSN(dsn),
		sqlitevec.WithMatchIndex(cfg.Index.MatchIndex),
		sqlitevec.WithChangeLog(cfg.Index.ChangeLog),
		sqlitevec.WithEmbeddingModel(cfg.Embedder.Model),
		sqlitevec.WithRequestTimeout(cfg.RequestTimeout),
		sqlitevec.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return index, nil
}

// deadLetterDB returns the dead letter database: dsn when set, else the sqlite index database.
func (a *app) deadLetterDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		if store, ok := a.index.(*sqlitevec.Store); ok {
			return store.DB(), nil
		}
		dsn = ":memory:"
	}
	db, err := engine.Open(sqliteutil.EnsurePragmas(dsn, true, 5000))
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	if sqliteutil.IsMemory(dsn) {
		db.SetMaxOpenConns(1)
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(home, strings.TrimPrefix(defaultConfigPath, "~/"))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func loadConfig(ctx context.Context, cmd *cobra.Command) (*service.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := service.LoadConfig(ctx, resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	return cfg, nil
}

func newLogger(cfg service.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "embedsync").Logger()
}

// buildApp wires the configured store, index, embedder and dead letter store
// into an engine. withFeed=false builds an engine that only resyncs or searches.
func buildApp(ctx context.Context, cfg *service.Config, logger zerolog.Logger, withFeed bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	opts := []service.Option{service.WithLogger(logger)}
	if cfg.Store.DSN != "" {
		source, closer, err := openSource(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer)
		opts = append(opts, service.WithStore(source))
		if withFeed {
			opts = append(opts, service.WithFeed(source))
		}
	}

	index, err := openIndex(ctx, cfg, logger.With().Str("component", "index").Logger())
	if err != nil {
		return nil, err
	}
	a.index = index
	a.closers = append(a.closers, index.Close)
	opts = append(opts, service.WithIndex(index))

	embedder, err := service.NewEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	opts = append(opts, service.WithEmbedder(embedder))

	if cfg.DeadLetter.Enabled {
		db, err := a.deadLetterDB(cfg.DeadLetter.DSN)
		if err != nil {
			return nil, err
		}
		deadLetters, err := service.NewDeadLetters(ctx, db)
		if err != nil {
			return nil, err
		}
		opts = append(opts, service.WithDeadLetters(deadLetters))
	}

	if a.svc, err = service.New(cfg, opts...); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func openSource(ctx context.Context, cfg service.StoreConfig, logger zerolog.Logger) (primary.Source, func() error, error) {
	logger = logger.With().Str("component", "primary").Str("driver", cfg.Driver).Logger()
	switch strings.ToLower(cfg.Driver) {
	case "mongo", "mongodb":
		store, err := mongo.Connect(ctx, cfg.DSN, cfg.Database, mongo.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return store.Close(context.Background()) }, nil
	default:
		store, err := sqlstore.Open(cfg.Driver, cfg.DSN, sqlstore.WithPollInterval(cfg.PollInterval), sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

// detectDriver guesses the sql driver of dsn.
func detectDriver(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", false
	}
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", true
	case strings.HasPrefix(lower, "mongodb://"), strings.HasPrefix(lower, "mongodb+srv://"):
		return "mongo", true
	case strings.HasPrefix(lower, "file:"), lower == ":memory:", strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".db"):
		return "sqlite", true
	case strings.Contains(lower, "@tcp("), strings.Contains(lower, "@unix("):
		return "mysql", true
	}
	return "", false
}

func openSQL(driver, dsn string) (*sql.DB, error) {
	if driver == "sqlite" {
		return engine.Open(sqliteutil.EnsurePragmas(dsn, false, 5000))
	}
	return sql.Open(driver, dsn)
}
