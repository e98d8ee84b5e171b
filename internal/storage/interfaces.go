package storage

import (
	"context"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
)

// AuditEventStore persists the engine's event stream for external
// monitoring and post-incident analysis. Events are append-only and
// keyless; ordering within a query is by timestamp.
type AuditEventStore interface {
	// Insert appends one event. Returns ErrInvalidInput for events
	// with an empty type.
	Insert(ctx context.Context, ev *events.Event) error

	// InsertBulk appends multiple events atomically.
	InsertBulk(ctx context.Context, evs []*events.Event) error

	// GetByPool retrieves all events for a pool, ordered by timestamp ASC.
	GetByPool(ctx context.Context, pool string) ([]*events.Event, error)

	// GetByType retrieves all events of one type, ordered by timestamp ASC.
	GetByType(ctx context.Context, t events.Type) ([]*events.Event, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*events.Event, error)
}

// RiskHistoryStore persists composite scoring observations as a
// timeseries for dashboards and backtesting.
type RiskHistoryStore interface {
	// InsertBulk appends multiple observations.
	InsertBulk(ctx context.Context, points []*domain.RiskHistoryPoint) error

	// GetByPool retrieves all observations for a pool, ordered by timestamp ASC.
	GetByPool(ctx context.Context, pool string) ([]*domain.RiskHistoryPoint, error)

	// GetByTimeRange retrieves observations for a pool within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, pool string, start, end int64) ([]*domain.RiskHistoryPoint, error)
}
