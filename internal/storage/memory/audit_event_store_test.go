package memory

import (
	"context"
	"errors"
	"testing"

	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/storage"
)

func TestAuditEventStoreInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := NewAuditEventStore()

	evs := []*events.Event{
		{Type: events.TypePriceSample, Pool: "pool-1", TimestampMs: 300},
		{Type: events.TypeControlAction, Pool: "pool-1", Action: "WARNING", TimestampMs: 100},
		{Type: events.TypePriceSample, Pool: "pool-2", TimestampMs: 200},
	}
	if err := s.InsertBulk(ctx, evs); err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}
	if err := s.Insert(ctx, &events.Event{Type: events.TypeNotification, Pool: "pool-1", TimestampMs: 400}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	byPool, err := s.GetByPool(ctx, "pool-1")
	if err != nil {
		t.Fatalf("GetByPool: %v", err)
	}
	if len(byPool) != 3 {
		t.Fatalf("pool-1 events = %d, want 3", len(byPool))
	}
	// Timestamp ascending.
	if byPool[0].TimestampMs != 100 || byPool[1].TimestampMs != 300 || byPool[2].TimestampMs != 400 {
		t.Errorf("events not ordered: %v %v %v", byPool[0].TimestampMs, byPool[1].TimestampMs, byPool[2].TimestampMs)
	}

	byType, err := s.GetByType(ctx, events.TypePriceSample)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("price sample events = %d, want 2", len(byType))
	}

	ranged, err := s.GetByTimeRange(ctx, 200, 300)
	if err != nil {
		t.Fatalf("GetByTimeRange: %v", err)
	}
	if len(ranged) != 2 {
		t.Errorf("ranged events = %d, want 2", len(ranged))
	}
}

func TestAuditEventStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := NewAuditEventStore()

	if err := s.Insert(ctx, &events.Event{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty type err = %v, want ErrInvalidInput", err)
	}
	if err := s.Insert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("nil event err = %v, want ErrInvalidInput", err)
	}

	// An invalid entry fails the whole bulk before any write.
	evs := []*events.Event{
		{Type: events.TypePriceSample, Pool: "pool-1", TimestampMs: 10},
		{},
	}
	if err := s.InsertBulk(ctx, evs); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("bulk err = %v, want ErrInvalidInput", err)
	}
	got, err := s.GetByPool(ctx, "pool-1")
	if err != nil {
		t.Fatalf("GetByPool: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("partial bulk applied: %d events", len(got))
	}
}

func TestAuditEventStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewAuditEventStore()

	ev := &events.Event{Type: events.TypePriceSample, Pool: "pool-1", TimestampMs: 10}
	if err := s.Insert(ctx, ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ev.Pool = "mutated"

	got, err := s.GetByPool(ctx, "pool-1")
	if err != nil {
		t.Fatalf("GetByPool: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	got[0].Pool = "mutated-again"

	again, _ := s.GetByPool(ctx, "pool-1")
	if len(again) != 1 {
		t.Error("store affected by caller mutation")
	}
}
