// Package database records chat activity in SQLite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	dbconfig "parley/pkg/database"
	"parley/pkg/interfaces"
)

var _ interfaces.ActivityLog = (*Manager)(nil)

// Manager is the activity log. Writes go through one writer goroutine;
// reads use the connection pool directly.
type Manager struct {
	db     *sql.DB
	config *dbconfig.Config
	logger zerolog.Logger

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
}

// writeOperation carries either an activity row or a flush marker.
type writeOperation struct {
	activity *interfaces.Activity
	flushed  chan struct{}
}

// NewManager opens the store, applies the embedded migrations, validates
// the schema and starts the writer.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	applied, err := dbconfig.NewMigrationManager(db, dbconfig.Migrations).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("activity schema invalid: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "activity").Logger(),
		writeChannel: make(chan writeOperation, config.QueueSize),
		shutdown:     make(chan struct{}),
	}
	m.logger.Info().Strs("migrations", applied).Msg("activity log ready")

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.apply(op)

		case <-m.shutdown:
			// Drain what was accepted before Close.
			for {
				select {
				case op := <-m.writeChannel:
					m.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) apply(op writeOperation) {
	if op.flushed != nil {
		close(op.flushed)
		return
	}
	a := op.activity
	_, err := m.db.Exec(
		"INSERT INTO activity (kind, actor, chat_id, detail, occurred_at) VALUES (?, ?, ?, ?, ?)",
		a.Kind, a.Actor, a.ChatID, a.Detail, a.OccurredAt.UTC(),
	)
	if err != nil {
		m.dropped.Add(1)
		m.logger.Error().Err(err).Str("kind", a.Kind).Msg("activity insert failed")
		return
	}
	m.written.Add(1)
}

// Record queues activity for the writer. A full queue drops the row
// rather than blocking the caller.
func (m *Manager) Record(activity interfaces.Activity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return interfaces.ErrActivityLogClosed
	}

	if activity.OccurredAt.IsZero() {
		activity.OccurredAt = time.Now()
	}

	select {
	case m.writeChannel <- writeOperation{activity: &activity}:
		return nil
	default:
		m.dropped.Add(1)
		m.logger.Warn().Str("kind", activity.Kind).Msg("activity queue full, row dropped")
		return interfaces.ErrActivityQueueFull
	}
}

// Flush waits until everything queued before the call has been written.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrActivityLogClosed
	}
	done := make(chan struct{})
	select {
	case m.writeChannel <- writeOperation{flushed: done}:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultRecentLimit is used when Recent is asked for a non-positive count.
const DefaultRecentLimit = 50

// Recent returns up to limit rows, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]interfaces.Activity, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, kind, actor, chat_id, detail, occurred_at
		FROM activity
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	activities := make([]interfaces.Activity, 0, limit)
	for rows.Next() {
		var a interfaces.Activity
		if err := rows.Scan(&a.ID, &a.Kind, &a.Actor, &a.ChatID, &a.Detail, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// HealthCheck validates connectivity and that the activity table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Stats reports written and dropped row counts.
func (m *Manager) Stats() map[string]int64 {
	return map[string]int64{
		"written": m.written.Load(),
		"dropped": m.dropped.Load(),
		"queued":  int64(len(m.writeChannel)),
	}
}

// Close stops the writer after draining the queue and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
