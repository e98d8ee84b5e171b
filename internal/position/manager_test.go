package position

import (
	"errors"
	"math/big"
	"testing"

	"amm-risk-engine/internal/events"
)

type allowAll struct{}

func (allowAll) Authorize(caller, pool string) error { return nil }

type denyAll struct{ err error }

func (d denyAll) Authorize(caller, pool string) error { return d.err }

func size(n int64) *big.Int { return big.NewInt(n) }

func TestUpdateAndGet(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)

	if err := m.Update("owner", "alice", "pool-1", size(1000), -100, 100, 10); err != nil {
		t.Fatalf("Update: %v", err)
	}

	p, err := m.Get("alice", "pool-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Size.Int64() != 1000 || p.TickLower != -100 || p.TickUpper != 100 {
		t.Errorf("unexpected position: %+v", p)
	}
	if p.RiskScore != 0 {
		t.Errorf("fresh position risk = %d, want 0", p.RiskScore)
	}

	// Overwrite resets the risk score.
	if err := m.UpdateRisk("owner", "alice", "pool-1", 5000, 20); err != nil {
		t.Fatalf("UpdateRisk: %v", err)
	}
	if err := m.Update("owner", "alice", "pool-1", size(2000), -50, 50, 30); err != nil {
		t.Fatalf("Update overwrite: %v", err)
	}
	p, _ = m.Get("alice", "pool-1")
	if p.RiskScore != 0 {
		t.Errorf("overwritten position risk = %d, want 0", p.RiskScore)
	}
}

func TestUpdateValidation(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)

	if err := m.Update("mallory", "alice", "pool-1", size(1), 0, 1, 10); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner update err = %v, want ErrNotOwner", err)
	}
	if err := m.Update("owner", "alice", "pool-1", size(0), 0, 1, 10); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("zero size err = %v, want ErrInvalidSize", err)
	}
	if err := m.Update("owner", "alice", "pool-1", nil, 0, 1, 10); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("nil size err = %v, want ErrInvalidSize", err)
	}
	if err := m.Update("owner", "alice", "pool-1", size(1), 5, 5, 10); !errors.Is(err, ErrInvalidTickRange) {
		t.Errorf("equal ticks err = %v, want ErrInvalidTickRange", err)
	}

	if _, err := m.Get("alice", "pool-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed writes err = %v, want ErrNotFound", err)
	}
}

func TestBatchUpdateAllOrNothing(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)

	err := m.BatchUpdate("owner",
		[]string{"alice", "bob"},
		[]string{"pool-1"},
		[]*big.Int{size(1), size(2)},
		[]int32{0, 0}, []int32{1, 1}, 10)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("mismatched batch err = %v, want ErrLengthMismatch", err)
	}

	// One bad entry fails the whole batch before any write.
	err = m.BatchUpdate("owner",
		[]string{"alice", "bob"},
		[]string{"pool-1", "pool-1"},
		[]*big.Int{size(1), size(-5)},
		[]int32{0, 0}, []int32{1, 1}, 10)
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("invalid entry err = %v, want ErrInvalidSize", err)
	}
	if _, err := m.Get("alice", "pool-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch applied: %v", err)
	}

	err = m.BatchUpdate("owner",
		[]string{"alice", "bob"},
		[]string{"pool-1", "pool-1"},
		[]*big.Int{size(1000), size(3000)},
		[]int32{0, -10}, []int32{1, 10}, 10)
	if err != nil {
		t.Fatalf("valid batch: %v", err)
	}
	if _, err := m.Get("bob", "pool-1"); err != nil {
		t.Errorf("bob position missing after batch: %v", err)
	}
}

func TestUpdateRiskBoundary(t *testing.T) {
	rec := events.NewMemoryRecorder()
	m := NewManager("owner", allowAll{}, rec)
	if err := m.Update("owner", "alice", "pool-1", size(1000), 0, 1, 10); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Just below the threshold: score sticks, position survives.
	if err := m.UpdateRisk("mgr", "alice", "pool-1", 7499, 20); err != nil {
		t.Fatalf("UpdateRisk 7499: %v", err)
	}
	p, err := m.Get("alice", "pool-1")
	if err != nil {
		t.Fatalf("position closed below threshold: %v", err)
	}
	if p.RiskScore != 7499 {
		t.Errorf("risk = %d, want 7499", p.RiskScore)
	}
	if n := len(rec.ByType(events.TypePositionClosed)); n != 0 {
		t.Errorf("close events = %d, want 0", n)
	}

	// At the threshold the position is force-closed.
	if err := m.UpdateRisk("mgr", "alice", "pool-1", 7500, 30); err != nil {
		t.Fatalf("UpdateRisk 7500: %v", err)
	}
	if _, err := m.Get("alice", "pool-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("position survived at threshold: %v", err)
	}
	closed := rec.ByType(events.TypePositionClosed)
	if len(closed) != 1 {
		t.Fatalf("close events = %d, want 1", len(closed))
	}
	if closed[0].Score != 7500 || closed[0].User != "alice" || closed[0].Value != "1000" {
		t.Errorf("unexpected close event: %+v", closed[0])
	}
}

func TestUpdateRiskValidation(t *testing.T) {
	authErr := errors.New("not a manager")
	m := NewManager("owner", denyAll{err: authErr}, nil)

	if err := m.UpdateRisk("mgr", "alice", "pool-1", 10001, 10); !errors.Is(err, ErrScoreOutOfRange) {
		t.Errorf("score 10001 err = %v, want ErrScoreOutOfRange", err)
	}
	if err := m.UpdateRisk("mgr", "alice", "pool-1", -1, 10); !errors.Is(err, ErrScoreOutOfRange) {
		t.Errorf("score -1 err = %v, want ErrScoreOutOfRange", err)
	}
	if err := m.UpdateRisk("mgr", "alice", "pool-1", 5000, 10); !errors.Is(err, authErr) {
		t.Errorf("unauthorized err = %v, want %v", err, authErr)
	}

	ok := NewManager("owner", allowAll{}, nil)
	if err := ok.UpdateRisk("mgr", "alice", "pool-1", 5000, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing position err = %v, want ErrNotFound", err)
	}
}

func TestCloseRiskyPosition(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)
	if err := m.Update("owner", "alice", "pool-1", size(1000), 0, 1, 10); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := m.CloseRiskyPosition("alice", "pool-1", 20); !errors.Is(err, ErrNotHighRisk) {
		t.Errorf("close at score 0 err = %v, want ErrNotHighRisk", err)
	}
	if err := m.CloseRiskyPosition("bob", "pool-1", 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("close missing err = %v, want ErrNotFound", err)
	}
}

func TestPoolPositionRisk(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)

	if got := m.PoolPositionRisk("pool-1"); got != 0 {
		t.Errorf("empty pool risk = %d, want 0", got)
	}

	if err := m.Update("owner", "alice", "pool-1", size(1000), 0, 1, 10); err != nil {
		t.Fatalf("Update alice: %v", err)
	}
	if err := m.Update("owner", "bob", "pool-1", size(3000), 0, 1, 10); err != nil {
		t.Fatalf("Update bob: %v", err)
	}
	if err := m.Update("owner", "carol", "pool-2", size(9999), 0, 1, 10); err != nil {
		t.Fatalf("Update carol: %v", err)
	}

	if err := m.UpdateRisk("mgr", "alice", "pool-1", 2000, 20); err != nil {
		t.Fatalf("UpdateRisk alice: %v", err)
	}
	if err := m.UpdateRisk("mgr", "bob", "pool-1", 6000, 20); err != nil {
		t.Fatalf("UpdateRisk bob: %v", err)
	}

	// (1000*2000 + 3000*6000) / 4000 = 5000; pool-2 must not leak in.
	if got := m.PoolPositionRisk("pool-1"); got != 5000 {
		t.Errorf("pool risk = %d, want 5000", got)
	}
}

func TestUserPositionsOrdered(t *testing.T) {
	m := NewManager("owner", allowAll{}, nil)
	for _, pool := range []string{"pool-c", "pool-a", "pool-b"} {
		if err := m.Update("owner", "alice", pool, size(100), 0, 1, 10); err != nil {
			t.Fatalf("Update %s: %v", pool, err)
		}
	}

	got := m.UserPositions("alice")
	if len(got) != 3 {
		t.Fatalf("positions = %d, want 3", len(got))
	}
	for i, want := range []string{"pool-a", "pool-b", "pool-c"} {
		if got[i].Pool != want {
			t.Errorf("position[%d].Pool = %s, want %s", i, got[i].Pool, want)
		}
	}

	if n := len(m.UserPositions("nobody")); n != 0 {
		t.Errorf("unknown user positions = %d, want 0", n)
	}
}
