package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
)

// AuditBuffer implements events.Recorder by accumulating events in
// memory and flushing them to an AuditEventStore in batches. Recording
// never blocks on the database; a failed flush retries the same batch
// on the next tick.
type AuditBuffer struct {
	mu      sync.Mutex
	pending []*events.Event
	store   AuditEventStore
	logger  *log.Logger
}

// NewAuditBuffer creates a buffer in front of store.
func NewAuditBuffer(store AuditEventStore) *AuditBuffer {
	return &AuditBuffer{
		store:  store,
		logger: log.New(log.Writer(), "[audit] ", log.LstdFlags),
	}
}

var _ events.Recorder = (*AuditBuffer)(nil)

// Record enqueues one event for the next flush.
func (b *AuditBuffer) Record(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, &ev)
}

// Flush writes all pending events. The batch is kept on failure.
func (b *AuditBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := b.store.InsertBulk(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on every tick until ctx is cancelled, then performs a
// final flush.
func (b *AuditBuffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Printf("final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Printf("flush failed: %v", err)
			}
		}
	}
}

// HistoryBuffer accumulates risk observations and flushes them to a
// RiskHistoryStore. It satisfies the aggregator's history sink.
type HistoryBuffer struct {
	mu      sync.Mutex
	pending []*domain.RiskHistoryPoint
	store   RiskHistoryStore
	logger  *log.Logger
}

// NewHistoryBuffer creates a buffer in front of store.
func NewHistoryBuffer(store RiskHistoryStore) *HistoryBuffer {
	return &HistoryBuffer{
		store:  store,
		logger: log.New(log.Writer(), "[riskhistory] ", log.LstdFlags),
	}
}

// AppendRiskPoint enqueues one observation for the next flush.
func (b *HistoryBuffer) AppendRiskPoint(p domain.RiskHistoryPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, &p)
}

// Flush writes all pending observations. The batch is kept on failure.
func (b *HistoryBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := b.store.InsertBulk(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on every tick until ctx is cancelled, then performs a
// final flush.
func (b *HistoryBuffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Printf("final flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Printf("flush failed: %v", err)
			}
		}
	}
}
