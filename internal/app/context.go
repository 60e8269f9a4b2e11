package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"stepline/internal/config"
	"stepline/internal/db"
	"stepline/internal/engine"
	"stepline/internal/migrate"
)

// App bundles what every command needs: the migrated database, the workspace
// config and an engine wired to both.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
}

// Open prepares the workspace, migrates the database and builds the engine.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

// Close stops the active session, if any, and closes the database.
func (a *App) Close() error {
	if s := a.Engine.Active(); s != nil {
		if err := s.Stop(); err != nil {
			a.Engine.Logger.Warn("session ended with error", "session", s.ID, "error", err)
		}
	}
	return a.DB.Close()
}
