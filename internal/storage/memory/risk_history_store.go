package memory

import (
	"context"
	"sort"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/storage"
)

// RiskHistoryStore implements storage.RiskHistoryStore in memory.
type RiskHistoryStore struct {
	mu     sync.RWMutex
	points []*domain.RiskHistoryPoint
}

// NewRiskHistoryStore creates an empty in-memory history store.
func NewRiskHistoryStore() *RiskHistoryStore {
	return &RiskHistoryStore{}
}

// Compile-time interface check.
var _ storage.RiskHistoryStore = (*RiskHistoryStore)(nil)

// InsertBulk appends multiple observations.
func (s *RiskHistoryStore) InsertBulk(_ context.Context, points []*domain.RiskHistoryPoint) error {
	for _, p := range points {
		if p == nil || p.Pool == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		cp := *p
		s.points = append(s.points, &cp)
	}
	return nil
}

// GetByPool retrieves all observations for a pool, ordered by timestamp ASC.
func (s *RiskHistoryStore) GetByPool(_ context.Context, pool string) ([]*domain.RiskHistoryPoint, error) {
	return s.filter(func(p *domain.RiskHistoryPoint) bool { return p.Pool == pool }), nil
}

// GetByTimeRange retrieves observations for a pool within [start, end] (inclusive).
func (s *RiskHistoryStore) GetByTimeRange(_ context.Context, pool string, start, end int64) ([]*domain.RiskHistoryPoint, error) {
	return s.filter(func(p *domain.RiskHistoryPoint) bool {
		return p.Pool == pool && p.TimestampMs >= start && p.TimestampMs <= end
	}), nil
}

func (s *RiskHistoryStore) filter(keep func(*domain.RiskHistoryPoint) bool) []*domain.RiskHistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.RiskHistoryPoint
	for _, p := range s.points {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}
