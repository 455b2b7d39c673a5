// Package postgres implements a primary storage.Backend over PostgreSQL,
// using a connection-and-squirrel pattern for query building.
package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Connection is a hub around a single *sql.DB, mirroring
// mpostgres.PostgresConnection's lazy-connect-once shape without the
// primary/replica split that component didn't need here.
type Connection struct {
	DSN string
	db  *sql.DB
}

// Connect opens (and pings) the underlying pgx-backed *sql.DB.
func (c *Connection) Connect() error {
	db, err := sql.Open("pgx", c.DSN)
	if err != nil {
		return fmt.Errorf("postgres: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}

	c.db = db

	return nil
}

// GetDB returns the underlying *sql.DB, connecting lazily if needed.
func (c *Connection) GetDB() (*sql.DB, error) {
	if c.db == nil {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	return c.db, nil
}
