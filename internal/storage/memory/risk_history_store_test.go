package memory

import (
	"context"
	"errors"
	"testing"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/storage"
)

func TestRiskHistoryStoreInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewRiskHistoryStore()

	points := []*domain.RiskHistoryPoint{
		{Pool: "pool-1", TimestampMs: 300, CompositeScore: 4000, VolatilityScore: 3000, LiquidityRisk: 5000, PositionScore: 4000},
		{Pool: "pool-1", TimestampMs: 100, CompositeScore: 1000},
		{Pool: "pool-2", TimestampMs: 200, CompositeScore: 9000},
	}
	if err := s.InsertBulk(ctx, points); err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}

	byPool, err := s.GetByPool(ctx, "pool-1")
	if err != nil {
		t.Fatalf("GetByPool: %v", err)
	}
	if len(byPool) != 2 {
		t.Fatalf("pool-1 points = %d, want 2", len(byPool))
	}
	if byPool[0].TimestampMs != 100 || byPool[1].TimestampMs != 300 {
		t.Errorf("points not ordered: %d %d", byPool[0].TimestampMs, byPool[1].TimestampMs)
	}
	if byPool[1].VolatilityScore != 3000 || byPool[1].LiquidityRisk != 5000 {
		t.Errorf("component scores lost: %+v", byPool[1])
	}

	ranged, err := s.GetByTimeRange(ctx, "pool-1", 200, 400)
	if err != nil {
		t.Fatalf("GetByTimeRange: %v", err)
	}
	if len(ranged) != 1 || ranged[0].TimestampMs != 300 {
		t.Errorf("unexpected ranged points: %+v", ranged)
	}
}

func TestRiskHistoryStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := NewRiskHistoryStore()

	bad := []*domain.RiskHistoryPoint{
		{Pool: "pool-1", TimestampMs: 10},
		{Pool: "", TimestampMs: 20},
	}
	if err := s.InsertBulk(ctx, bad); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("bulk err = %v, want ErrInvalidInput", err)
	}
	got, err := s.GetByPool(ctx, "pool-1")
	if err != nil {
		t.Fatalf("GetByPool: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("partial bulk applied: %d points", len(got))
	}
}
