package controller

import (
	"errors"
	"testing"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/notifier"
	"amm-risk-engine/internal/registry"
)

const hourMs = 60 * 60 * 1000

func newFixture(t *testing.T) (*Controller, *registry.Registry, *notifier.Notifier, *events.MemoryRecorder) {
	t.Helper()
	rec := events.NewMemoryRecorder()
	reg := registry.New("owner", rec)
	n := notifier.New("owner", rec)
	params := domain.PoolRiskParameters{
		VolatilityThreshold:    5000,
		LiquidityThreshold:     3000,
		ConcentrationThreshold: 6000,
	}
	if err := reg.Register("owner", "pool-1", params, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return New("owner", reg, n, rec), reg, n, rec
}

func TestWarningNotifies(t *testing.T) {
	c, _, n, rec := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionWarning, 1000); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}

	st := c.Status("pool-1")
	if st.ActionCount != 1 || st.LastAction != domain.ActionWarning || st.LastActionMs != 1000 {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.Paused || st.Throttled {
		t.Errorf("warning must not pause or throttle: %+v", st)
	}

	notes := n.Notifications("owner")
	if len(notes) != 1 || notes[0].Level != domain.SeverityWarning {
		t.Errorf("unexpected notifications: %+v", notes)
	}
	if len(rec.ByType(events.TypeControlAction)) != 1 {
		t.Errorf("control events = %d, want 1", len(rec.ByType(events.TypeControlAction)))
	}
}

func TestSameActionCooldown(t *testing.T) {
	c, _, _, _ := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionWarning, 0); err != nil {
		t.Fatalf("first warning: %v", err)
	}
	// Same type inside its 1h cooldown is rejected.
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionWarning, hourMs-1); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("repeat warning err = %v, want ErrCooldownActive", err)
	}
	// A different type is not blocked.
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionThrottle, hourMs-1); err != nil {
		t.Errorf("throttle during warning cooldown: %v", err)
	}
	// After the cooldown elapses the same type runs again.
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionWarning, hourMs); err != nil {
		t.Errorf("warning after cooldown: %v", err)
	}
}

func TestThrottle(t *testing.T) {
	c, _, _, _ := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionThrottle, 1000); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if !c.IsPoolThrottled("pool-1", 1000+domain.ThrottleWindowMs-1) {
		t.Error("pool not throttled inside the window")
	}
	if c.IsPoolThrottled("pool-1", 1000+domain.ThrottleWindowMs) {
		t.Error("throttle did not lazily expire")
	}
	// The flag itself survives expiry.
	if st := c.Status("pool-1"); !st.Throttled {
		t.Error("throttle flag auto-cleared")
	}
}

func TestPauseDeactivatesPool(t *testing.T) {
	c, reg, _, _ := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionPause, 1000); err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if reg.IsActive("pool-1") {
		t.Error("pool still active after PAUSE")
	}
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionPause, 1000+domain.CooldownPauseMs); !errors.Is(err, ErrAlreadyPaused) {
		t.Errorf("second pause err = %v, want ErrAlreadyPaused", err)
	}
	// Failed dispatch leaves the counter alone.
	if st := c.Status("pool-1"); st.ActionCount != 1 {
		t.Errorf("ActionCount = %d, want 1", st.ActionCount)
	}
}

func TestEmergencyUnconditional(t *testing.T) {
	c, reg, n, rec := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionPause, 1000); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Emergency still succeeds on an already paused pool.
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionEmergency, 2000); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if reg.IsActive("pool-1") {
		t.Error("pool active after emergency")
	}
	if len(rec.ByType(events.TypeEmergencyAction)) != 1 {
		t.Errorf("emergency events = %d, want 1", len(rec.ByType(events.TypeEmergencyAction)))
	}

	notes := n.Notifications("owner")
	last := notes[len(notes)-1]
	if last.Level != domain.SeverityEmergency {
		t.Errorf("last notification level = %d, want %d", last.Level, domain.SeverityEmergency)
	}
}

func TestAutoThrottleAfterThreeActions(t *testing.T) {
	c, _, _, _ := newFixture(t)

	// Three successful actions of any mix trip the auto-throttle.
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionWarning, 1000); err != nil {
		t.Fatalf("warning: %v", err)
	}
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionPause, 2000); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if c.IsPoolThrottled("pool-1", 2500) {
		t.Error("throttled after only two actions")
	}
	if err := c.ExecuteAction("owner", "pool-1", domain.ActionEmergency, 3000); err != nil {
		t.Fatalf("emergency: %v", err)
	}

	st := c.Status("pool-1")
	if st.ActionCount != 3 || !st.Throttled {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.ThrottleEndMs != 3000+domain.ThrottleWindowMs {
		t.Errorf("ThrottleEndMs = %d, want %d", st.ThrottleEndMs, 3000+domain.ThrottleWindowMs)
	}
}

func TestExecuteActionValidation(t *testing.T) {
	c, _, _, _ := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ControlAction("FREEZE"), 10); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action err = %v, want ErrUnknownAction", err)
	}
	if err := c.ExecuteAction("stranger", "pool-1", domain.ActionWarning, 10); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("unauthorized err = %v, want registry.ErrNotAuthorized", err)
	}
	if err := c.ExecuteAction("owner", "ghost-pool", domain.ActionWarning, 10); !errors.Is(err, ErrPoolNotRegistered) {
		t.Errorf("unknown pool err = %v, want ErrPoolNotRegistered", err)
	}
}

func TestResetControls(t *testing.T) {
	c, _, _, _ := newFixture(t)

	if err := c.ExecuteAction("owner", "pool-1", domain.ActionThrottle, 1000); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if err := c.ResetControls("stranger", "pool-1"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner reset err = %v, want ErrNotOwner", err)
	}
	if err := c.ResetControls("owner", "pool-1"); err != nil {
		t.Fatalf("ResetControls: %v", err)
	}
	if st := c.Status("pool-1"); st != (domain.ControlStatus{}) {
		t.Errorf("status after reset: %+v", st)
	}
	if c.IsPoolThrottled("pool-1", 1001) {
		t.Error("pool throttled after reset")
	}
}
