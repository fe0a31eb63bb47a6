package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalebradshaw/healthsync/internal/adapters/observability"
	"github.com/dalebradshaw/healthsync/internal/adapters/sink"
	"github.com/dalebradshaw/healthsync/internal/app/config"
	"github.com/dalebradshaw/healthsync/internal/app/ingest"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

const defaultConfig = "./data/ingest.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "migrate":
		err = migrateCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("healthsync-ingest %s: %v", cmd, err)
	}
}

type repository interface {
	ports.IngestRepository
	ports.DeviceRepository
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to ingest server configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadIngest(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := observability.NewPromObs(observability.WithRegisterer(registry), observability.WithLogger(logger))

	svc := ingest.NewService(repo, repo, obs, ingest.WithTxTimeout(cfg.TxTimeout))
	handler := ingest.NewHandler(svc, obs, ingest.HandlerOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MetricsPath:    cfg.MetricsPath,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Ready: func(r *http.Request) error {
			if db == nil {
				return nil
			}
			return db.PingContext(r.Context())
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingest_listening", "addr", cfg.Addr, "database", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("ingest_shutting_down")
	return srv.Shutdown(shutdownCtx)
}

func migrateCommand(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to ingest server configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadIngest(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("nothing to migrate for the memory driver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sink.OpenPostgres(ctx, cfg.Database.Driver, cfg.Database.ConnString)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sink.NewPostgresStore(db).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	fmt.Println("schema is up to date")
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.LoadIngest(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good ✅\n", *cfgPath)
	return nil
}

// openRepository returns the store behind the ingest service. db is nil for
// the in-memory driver.
func openRepository(ctx context.Context, cfg *config.IngestConfig) (repository, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		return sink.NewMemoryStore(), nil, nil
	}

	db, err := sink.OpenPostgres(ctx, cfg.Database.Driver, cfg.Database.ConnString)
	if err != nil {
		return nil, nil, err
	}
	store := sink.NewPostgresStore(db)
	if cfg.Database.Migrate {
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return store, db, nil
}

func printUsage() {
	fmt.Printf(`healthsync ingest server

Usage:
  healthsync-ingest <command> [flags]

Commands:
  serve      Accept device registrations and sample uploads over HTTP
  migrate    Create the devices and samples tables if they are missing
  validate   Load and validate a config file without starting the server

Examples:
  healthsync-ingest serve -config ./data/ingest.yaml
  healthsync-ingest migrate -config ./data/ingest.yaml
`)
}
