// Package main provides the entry point for the remlab laboratory server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // postgres driver

	"github.com/remlab/remlab/internal/server"
	"github.com/remlab/remlab/pkg/database/migrate"
	"github.com/remlab/remlab/pkg/health"
	"github.com/remlab/remlab/pkg/lab"
	"github.com/remlab/remlab/pkg/store"
	postgresstore "github.com/remlab/remlab/pkg/store/postgres"
	redisstore "github.com/remlab/remlab/pkg/store/redis"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	mode        string
	workers     int
	logLevel    string
	showVersion bool
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.mode, "mode", "loop", "Run mode: serve, sweep, run-tasks, loop")
	flag.IntVar(&opts.workers, "workers", 0, "Worker count override (0 = from config)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// openStore selects the configured backend.
func openStore(ctx context.Context, cfg *lab.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		return postgresstore.New(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("remlab version %s\n", Version)
		return nil
	}

	logger := setupLogger(opts.logLevel)

	if opts.configPath == "" {
		return errors.New("-config is required")
	}
	cfg, err := lab.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		cfg.Tasks.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := setupSignalHandler()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	// Hooks are registered by the laboratory embedding this binary; the
	// stock binary runs the coordination layers only.
	l := lab.New(cfg, st, lab.Hooks{}, logger)

	switch opts.mode {
	case "serve":
		return serve(ctx, l, cfg, st, logger, false)
	case "loop":
		return serve(ctx, l, cfg, st, logger, true)
	case "sweep":
		stats, err := l.RunSweepPass(ctx)
		if err != nil {
			return err
		}
		logger.Info("sweep pass complete", "scanned", stats.Scanned, "disposed", stats.Disposed, "settled", stats.Settled)
		return nil
	case "run-tasks":
		n, err := l.RunTaskBatch(ctx)
		if err != nil {
			return err
		}
		logger.Info("task batch complete", "executed", n)
		return nil
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

// serve runs the HTTP server, plus the worker and sweeper loops in loop
// mode, until the process is signalled.
func serve(ctx context.Context, l *lab.Lab, cfg *lab.Config, st store.Store, logger *slog.Logger, withLoops bool) error {
	checker := health.NewChecker(st)

	errCh := make(chan error, 1)
	srv := server.New(l, cfg.Server, checker, logger)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	loopsDone := make(chan struct{})
	if withLoops {
		go func() {
			defer close(loopsDone)
			l.Loop(ctx)
		}()
	} else {
		close(loopsDone)
	}

	checker.SetReady()
	logger.Info("remlab started", "version", Version, "mode_loops", withLoops)

	<-ctx.Done()
	checker.SetDraining()

	<-loopsDone
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
