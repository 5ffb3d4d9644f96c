package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PratikDhanave/surface-analytics/internal/config"
	"github.com/PratikDhanave/surface-analytics/internal/httpserver"
	"github.com/PratikDhanave/surface-analytics/internal/ingest"
	"github.com/PratikDhanave/surface-analytics/internal/store"
	"github.com/PratikDhanave/surface-analytics/internal/tag"
)

const shutdownTimeout = 10 * time.Second

// serve boots the service: config → DB → schema → HTTP server.
func serve(ctx context.Context, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogging(f.logLevel, cfg.LogLevel)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := prepare(ctx, st, cfg.Projects, logger); err != nil {
		return err
	}

	script := tag.Embedded()
	if cfg.TagScriptPath != "" {
		if script, err = tag.Load(cfg.TagScriptPath); err != nil {
			return fmt.Errorf("load tag script: %w", err)
		}
	}

	// Projects added to the config file are registered without a restart.
	if cfg.ConfigFile != "" {
		stop, err := watchProjects(ctx, cfg, st, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	svc := ingest.NewService(st, ingest.WithLogger(logger))
	router := httpserver.NewRouter(st, svc, script)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			"addr", cfg.Addr,
			"driver", cfg.StoreDriver,
			"projects", len(cfg.Projects),
			"version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// migrate creates the schema and registers configured projects.
func migrate(ctx context.Context, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogging(f.logLevel, cfg.LogLevel)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := prepare(ctx, st, cfg.Projects, logger); err != nil {
		return err
	}
	logger.Info("migration complete", "driver", cfg.StoreDriver, "projects", len(cfg.Projects))
	return nil
}

func watchProjects(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger) (func(), error) {
	loader, err := config.NewLoader(cfg.ConfigFile, logger)
	if err != nil {
		return nil, fmt.Errorf("config loader: %w", err)
	}
	loader.OnChange(func(fc *config.FileConfig) {
		projects := config.MergeProjects(cfg.Projects, fc.Projects)
		if err := seedProjects(ctx, st, projects, logger); err != nil {
			logger.Error("re-seed projects failed", "error", err)
		}
	})
	stop, err := loader.Watch()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	return stop, nil
}
