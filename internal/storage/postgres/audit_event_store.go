package postgres

import (
	"context"
	"fmt"

	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/storage"
)

// AuditEventStore implements storage.AuditEventStore using PostgreSQL.
type AuditEventStore struct {
	pool *Pool
}

// NewAuditEventStore creates a new AuditEventStore.
func NewAuditEventStore(pool *Pool) *AuditEventStore {
	return &AuditEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AuditEventStore = (*AuditEventStore)(nil)

const insertAuditEvent = `
	INSERT INTO audit_events (
		event_type, pool, user_id, action, score, level, value, message, timestamp_ms
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const selectAuditEvent = `
	SELECT event_type, pool, user_id, action, score, level, value, message, timestamp_ms
	FROM audit_events
`

// Insert appends one event.
func (s *AuditEventStore) Insert(ctx context.Context, ev *events.Event) error {
	if ev == nil || ev.Type == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, insertAuditEvent,
		string(ev.Type),
		ev.Pool,
		ev.User,
		ev.Action,
		ev.Score,
		ev.Level,
		ev.Value,
		ev.Message,
		ev.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// InsertBulk appends multiple events atomically.
func (s *AuditEventStore) InsertBulk(ctx context.Context, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	for _, ev := range evs {
		if ev == nil || ev.Type == "" {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range evs {
		_, err := tx.Exec(ctx, insertAuditEvent,
			string(ev.Type),
			ev.Pool,
			ev.User,
			ev.Action,
			ev.Score,
			ev.Level,
			ev.Value,
			ev.Message,
			ev.TimestampMs,
		)
		if err != nil {
			return fmt.Errorf("insert audit event in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByPool retrieves all events for a pool, ordered by timestamp ASC.
func (s *AuditEventStore) GetByPool(ctx context.Context, pool string) ([]*events.Event, error) {
	query := selectAuditEvent + `WHERE pool = $1 ORDER BY timestamp_ms ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, pool)
	if err != nil {
		return nil, fmt.Errorf("query by pool: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// GetByType retrieves all events of one type, ordered by timestamp ASC.
func (s *AuditEventStore) GetByType(ctx context.Context, t events.Type) ([]*events.Event, error) {
	query := selectAuditEvent + `WHERE event_type = $1 ORDER BY timestamp_ms ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, string(t))
	if err != nil {
		return nil, fmt.Errorf("query by type: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *AuditEventStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*events.Event, error) {
	query := selectAuditEvent + `WHERE timestamp_ms >= $1 AND timestamp_ms <= $2 ORDER BY timestamp_ms ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAuditEvents(rows rowScanner) ([]*events.Event, error) {
	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var eventType string
		if err := rows.Scan(
			&eventType,
			&ev.Pool,
			&ev.User,
			&ev.Action,
			&ev.Score,
			&ev.Level,
			&ev.Value,
			&ev.Message,
			&ev.TimestampMs,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Type = events.Type(eventType)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}
