// Package memory provides in-memory storage implementations, used as
// defaults when no database is configured and as references for the
// backed stores' semantics.
package memory

import (
	"context"
	"sort"
	"sync"

	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/storage"
)

// AuditEventStore implements storage.AuditEventStore in memory.
type AuditEventStore struct {
	mu     sync.RWMutex
	events []*events.Event
}

// NewAuditEventStore creates an empty in-memory audit store.
func NewAuditEventStore() *AuditEventStore {
	return &AuditEventStore{}
}

// Compile-time interface check.
var _ storage.AuditEventStore = (*AuditEventStore)(nil)

// Insert appends one event.
func (s *AuditEventStore) Insert(_ context.Context, ev *events.Event) error {
	if ev == nil || ev.Type == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

// InsertBulk appends multiple events atomically.
func (s *AuditEventStore) InsertBulk(_ context.Context, evs []*events.Event) error {
	for _, ev := range evs {
		if ev == nil || ev.Type == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		cp := *ev
		s.events = append(s.events, &cp)
	}
	return nil
}

// GetByPool retrieves all events for a pool, ordered by timestamp ASC.
func (s *AuditEventStore) GetByPool(_ context.Context, pool string) ([]*events.Event, error) {
	return s.filter(func(ev *events.Event) bool { return ev.Pool == pool }), nil
}

// GetByType retrieves all events of one type, ordered by timestamp ASC.
func (s *AuditEventStore) GetByType(_ context.Context, t events.Type) ([]*events.Event, error) {
	return s.filter(func(ev *events.Event) bool { return ev.Type == t }), nil
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *AuditEventStore) GetByTimeRange(_ context.Context, start, end int64) ([]*events.Event, error) {
	return s.filter(func(ev *events.Event) bool {
		return ev.TimestampMs >= start && ev.TimestampMs <= end
	}), nil
}

func (s *AuditEventStore) filter(keep func(*events.Event) bool) []*events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*events.Event
	for _, ev := range s.events {
		if keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}
