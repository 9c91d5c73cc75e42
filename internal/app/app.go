package app

import (
	"database/sql"
	"fmt"

	"offerline/internal/config"
	"offerline/internal/db"
	"offerline/internal/engine"
	"offerline/internal/migrate"
)

// Context is an opened workspace: database, config and a ready engine.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace for use: creates the data directory, applies
// migrations and loads the config file (seeding defaults when absent).
func Open(workspace, marketplaceID string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	cfg, err := config.LoadOptional(workspace, marketplaceID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
