package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/PratikDhanave/surface-analytics/internal/config"
	"github.com/PratikDhanave/surface-analytics/internal/store"
)

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := store.NewSQLiteStore(cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewPostgresStore(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	}
}

// prepare ensures tables exist so `docker compose up --build` is enough,
// then registers the configured projects.
func prepare(ctx context.Context, st store.Store, projects []config.Project, logger *slog.Logger) error {
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return seedProjects(ctx, st, projects, logger)
}

func seedProjects(ctx context.Context, st store.Store, projects []config.Project, logger *slog.Logger) error {
	for _, p := range projects {
		proj, err := st.UpsertProject(ctx, p.Name, p.APIKey)
		if err != nil {
			return fmt.Errorf("register project %q: %w", p.Name, err)
		}
		logger.Debug("project registered", "project_id", proj.ID, "name", proj.Name)
	}
	return nil
}
