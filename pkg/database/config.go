package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds activity store settings.
type Config struct {
	DSN             string        `json:"dsn"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	QueueSize       int           `json:"queue_size"`
}

// DefaultConfig returns an in-memory store. The shared-cache database lives
// as long as one pooled connection is open, so connection expiry is off.
func DefaultConfig() *Config {
	return &Config{
		DSN:            "file:parley_activity?mode=memory&cache=shared",
		MaxConnections: 4,
		QueueSize:      256,
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("database dsn cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("connection max lifetime cannot be negative")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("connection max idle time cannot be negative")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue size must be greater than 0")
	}
	return nil
}

// Open connects to SQLite with the pool settings and pragmas applied.
func Open(c *Config) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	sep := "?"
	if strings.Contains(c.DSN, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", c.DSN+sep+"_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(c.MaxConnections)
	db.SetMaxIdleConns(c.MaxConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	return db, nil
}

const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -16000;
	PRAGMA temp_store = MEMORY;
`

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
