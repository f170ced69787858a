// Package app assembles the storage, cache and engine stack for the CLI
// and the server.
package app

import (
	"context"
	"database/sql"
	"path/filepath"

	"github.com/spacelis/portraitist/internal/cache"
	"github.com/spacelis/portraitist/internal/config"
	"github.com/spacelis/portraitist/internal/db"
	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/migrate"
	"github.com/spacelis/portraitist/internal/worker"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Cache  *cache.Cache
	Engine engine.Engine
	Jobs   *worker.Runner
}

// Open loads config from the workspace, migrates the database, opens the
// cache and wires the engine with background refills enabled.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWith(workspace, cfg)
}

// OpenWith is Open with an explicit config, used by tests and commands
// that override settings.
func OpenWith(workspace string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	c, err := cache.Open(filepath.Join(workspace, ".portraitist", "cache"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, c, cfg)
	jobs := worker.New(16)
	e.Pool.Schedule = func(name string, fn func()) {
		jobs.Submit(name, func(ctx context.Context) error {
			fn()
			return nil
		})
	}
	return &App{Config: cfg, DB: conn, Cache: c, Engine: e, Jobs: jobs}, nil
}

// Close flushes background jobs and releases the cache and database.
func (a *App) Close() {
	if a.Jobs != nil {
		a.Jobs.Close()
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
