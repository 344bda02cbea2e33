package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"invent/internal/config"
	"invent/internal/db"
	"invent/internal/engine"
	"invent/internal/migrate"
	"invent/internal/notify"
)

// Workspace bundles everything a command needs to operate on one workspace
// directory.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Bus    *notify.Bus
}

// Open loads the workspace config (falling back to defaults), opens and
// migrates the database, and connects the notice bus when redis.addr is set.
// cfgOverride, when non-nil, replaces the file config.
func Open(ctx context.Context, dir string, cfgOverride *config.Config, logger *slog.Logger) (*Workspace, error) {
	cfg := cfgOverride
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(dir)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("workspace ready", "db", db.Path(dir), "schema_version", version)

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	ws := &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}

	if cfg.Redis.Addr != "" {
		bus, err := notify.NewBus(&redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Instance)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := bus.Ping(ctx); err != nil {
			bus.Close()
			conn.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		ws.Bus = bus
		ws.Engine.Notifier = bus
	}
	return ws, nil
}

// Close releases the database and bus connections.
func (w *Workspace) Close() error {
	if w.Bus != nil {
		w.Bus.Close()
	}
	return w.DB.Close()
}
