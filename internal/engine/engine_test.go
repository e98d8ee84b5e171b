package engine

import (
	"errors"
	"math/big"
	"testing"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/fixedpoint"
	"amm-risk-engine/internal/registry"
)

func precision(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.Precision())
}

func testParams() domain.PoolRiskParameters {
	return domain.PoolRiskParameters{
		VolatilityThreshold:    50,
		LiquidityThreshold:     1,
		ConcentrationThreshold: domain.MaxScoreBps,
	}
}

// setupPool builds an engine with one registered pool whose tokens have
// known market caps, and returns the derived pool id.
func setupPool(t *testing.T, rec events.Recorder, params domain.PoolRiskParameters) (*Engine, string) {
	t.Helper()
	e := Build("owner", rec)

	if err := e.SetTokenInfo("owner", "tokenA", big.NewInt(1_000_000), big.NewInt(50_000), 0); err != nil {
		t.Fatalf("SetTokenInfo tokenA: %v", err)
	}
	if err := e.SetTokenInfo("owner", "tokenB", big.NewInt(2_000_000), big.NewInt(80_000), 0); err != nil {
		t.Fatalf("SetTokenInfo tokenB: %v", err)
	}

	pool, err := e.RegisterPool("owner", "tokenA", "tokenB", 30, params, 4, 0)
	if err != nil {
		t.Fatalf("RegisterPool: %v", err)
	}
	return e, pool
}

func tradeEvent(pool string, price int64, nowMs int64) TradeEvent {
	return TradeEvent{
		Pool:           pool,
		Price:          precision(price),
		TotalLiquidity: big.NewInt(100),
		Token0:         "tokenA",
		Token1:         "tokenB",
		TickLower:      50_000,  // 50 x PRECISION
		TickUpper:      200_000, // 200 x PRECISION
		TimestampMs:    nowMs,
	}
}

func TestSystemPauseGuard(t *testing.T) {
	rec := events.NewMemoryRecorder()
	e, pool := setupPool(t, rec, testParams())

	if err := e.EmergencyShutdown("stranger", 10); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger shutdown err = %v, want ErrNotOwner", err)
	}
	if err := e.EmergencyShutdown("owner", 10); err != nil {
		t.Fatalf("EmergencyShutdown: %v", err)
	}
	if !e.Paused() {
		t.Fatal("engine not paused")
	}

	if _, err := e.RegisterPool("owner", "x", "y", 30, testParams(), 4, 20); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("RegisterPool err = %v, want ErrSystemPaused", err)
	}
	if err := e.Notify("owner", "alice", 1, "msg", 20); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("Notify err = %v, want ErrSystemPaused", err)
	}
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 20)); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("HandleTradeEvent err = %v, want ErrSystemPaused", err)
	}
	if _, err := e.PoolRisk(pool, 20); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("PoolRisk err = %v, want ErrSystemPaused", err)
	}

	if err := e.ResumeOperations("stranger", 30); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger resume err = %v, want ErrNotOwner", err)
	}
	if err := e.ResumeOperations("owner", 30); err != nil {
		t.Fatalf("ResumeOperations: %v", err)
	}
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 40)); err != nil {
		t.Errorf("HandleTradeEvent after resume: %v", err)
	}

	if n := len(rec.ByType(events.TypeSystemPaused)); n != 1 {
		t.Errorf("pause events = %d, want 1", n)
	}
	if n := len(rec.ByType(events.TypeSystemResumed)); n != 1 {
		t.Errorf("resume events = %d, want 1", n)
	}
}

func TestRegisterPoolDerivesID(t *testing.T) {
	e, pool := setupPool(t, nil, testParams())

	if pool == "" {
		t.Fatal("empty pool id")
	}
	if !e.Registry.IsActive(pool) {
		t.Error("registered pool not active")
	}
	// Same tokens and fee derive the same id, so re-registration fails.
	if _, err := e.RegisterPool("owner", "tokenA", "tokenB", 30, testParams(), 4, 10); !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Errorf("duplicate register err = %v, want ErrAlreadyRegistered", err)
	}
	// A different fee tier is a different pool.
	other, err := e.RegisterPool("owner", "tokenA", "tokenB", 100, testParams(), 4, 10)
	if err != nil {
		t.Fatalf("RegisterPool fee 100: %v", err)
	}
	if other == pool {
		t.Error("fee tiers derived the same pool id")
	}
}

func TestHandleTradeEventWarmUp(t *testing.T) {
	rec := events.NewMemoryRecorder()
	e, pool := setupPool(t, rec, testParams())

	// One sample cannot be scored; the event still succeeds and the
	// sample is retained.
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 1000)); err != nil {
		t.Fatalf("warm-up event: %v", err)
	}
	if n := len(rec.ByType(events.TypeControlAction)); n != 0 {
		t.Errorf("control events during warm-up = %d, want 0", n)
	}

	// The second sample completes the window: [100, 102] scores 99 bps,
	// breaching the 50 bps volatility threshold, which escalates to a
	// WARNING.
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 102, 2000)); err != nil {
		t.Fatalf("second event: %v", err)
	}

	st := e.Controller.Status(pool)
	if st.LastAction != domain.ActionWarning || st.ActionCount != 1 {
		t.Fatalf("unexpected control status: %+v", st)
	}
	if !e.Registry.IsActive(pool) {
		t.Error("warning deactivated the pool")
	}

	notes := e.Notifier.Notifications("owner")
	if len(notes) != 1 || notes[0].Level != domain.SeverityWarning {
		t.Errorf("unexpected notifications: %+v", notes)
	}

	// A third breach inside the warning cooldown is swallowed: the
	// event succeeds and the counter does not move.
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 98, 3000)); err != nil {
		t.Fatalf("third event: %v", err)
	}
	if st := e.Controller.Status(pool); st.ActionCount != 1 {
		t.Errorf("ActionCount = %d, want 1", st.ActionCount)
	}
}

func TestHandleTradeEventValidation(t *testing.T) {
	e, pool := setupPool(t, nil, testParams())

	// Unauthorized feeders are rejected before anything mutates.
	if err := e.HandleTradeEvent("feeder", tradeEvent(pool, 100, 1000)); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("unauthorized err = %v, want registry.ErrNotAuthorized", err)
	}
	if err := e.AddManager("owner", pool, "feeder"); err != nil {
		t.Fatalf("AddManager: %v", err)
	}
	if err := e.HandleTradeEvent("feeder", tradeEvent(pool, 100, 1000)); err != nil {
		t.Fatalf("manager event: %v", err)
	}

	// Invalid liquidity fails validation and must not store the price
	// sample: the next valid event is still the second sample, which
	// scores without error.
	bad := tradeEvent(pool, 200, 2000)
	bad.TotalLiquidity = big.NewInt(0)
	if err := e.HandleTradeEvent("owner", bad); err == nil {
		t.Fatal("zero liquidity event succeeded")
	}

	if err := e.DeactivatePool("owner", pool); err != nil {
		t.Fatalf("DeactivatePool: %v", err)
	}
	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 3000)); !errors.Is(err, registry.ErrPoolInactive) {
		t.Errorf("inactive pool err = %v, want registry.ErrPoolInactive", err)
	}
}

func TestEscalationLevels(t *testing.T) {
	rec := events.NewMemoryRecorder()
	// Thresholds high enough that no single factor trips a warning.
	params := domain.PoolRiskParameters{
		VolatilityThreshold:    domain.MaxScoreBps,
		LiquidityThreshold:     1,
		ConcentrationThreshold: domain.MaxScoreBps,
	}
	e, pool := setupPool(t, rec, params)

	// Below every composite threshold and no factor breach: no action.
	e.escalate(pool, params, 0, 5000, 0, 7499, 1000)
	if st := e.Controller.Status(pool); st.ActionCount != 0 {
		t.Fatalf("action taken below thresholds: %+v", st)
	}

	e.escalate(pool, params, 0, 5000, 0, 7500, 2000)
	if st := e.Controller.Status(pool); st.LastAction != domain.ActionThrottle {
		t.Fatalf("composite 7500 action = %q, want THROTTLE", st.LastAction)
	}
	if !e.Controller.IsPoolThrottled(pool, 2001) {
		t.Error("pool not throttled")
	}

	e.escalate(pool, params, 0, 5000, 0, 9000, 3000)
	if st := e.Controller.Status(pool); st.LastAction != domain.ActionPause {
		t.Fatalf("composite 9000 action = %q, want PAUSE", st.LastAction)
	}
	if e.Registry.IsActive(pool) {
		t.Error("pool still active after PAUSE escalation")
	}

	e.escalate(pool, params, 0, 5000, 0, 9500, 4000)
	if st := e.Controller.Status(pool); st.LastAction != domain.ActionEmergency {
		t.Fatalf("composite 9500 action = %q, want EMERGENCY", st.LastAction)
	}
	if n := len(rec.ByType(events.TypeEmergencyAction)); n != 1 {
		t.Errorf("emergency events = %d, want 1", n)
	}

	// A liquidity score under the threshold is a single-factor breach.
	e2, pool2 := setupPool(t, nil, domain.PoolRiskParameters{
		VolatilityThreshold:    domain.MaxScoreBps,
		LiquidityThreshold:     6000,
		ConcentrationThreshold: domain.MaxScoreBps,
	})
	e2.escalate(pool2, e2.mustParams(t, pool2), 0, 5999, 0, 100, 1000)
	if st := e2.Controller.Status(pool2); st.LastAction != domain.ActionWarning {
		t.Errorf("liquidity breach action = %q, want WARNING", st.LastAction)
	}
}

// mustParams fetches registered parameters for escalation tests.
func (e *Engine) mustParams(t *testing.T, pool string) domain.PoolRiskParameters {
	t.Helper()
	params, err := e.Registry.Params(pool)
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	return params
}

func TestTradeEventReentrancyGuard(t *testing.T) {
	e, pool := setupPool(t, nil, testParams())

	e.mu.Lock()
	e.inFlight[pool] = true
	e.mu.Unlock()

	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 1000)); !errors.Is(err, ErrReentrantCall) {
		t.Errorf("in-flight event err = %v, want ErrReentrantCall", err)
	}

	e.mu.Lock()
	delete(e.inFlight, pool)
	e.mu.Unlock()

	if err := e.HandleTradeEvent("owner", tradeEvent(pool, 100, 1000)); err != nil {
		t.Errorf("event after guard release: %v", err)
	}
}
