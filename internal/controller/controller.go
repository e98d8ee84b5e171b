// Package controller executes graduated protective actions against
// pools: warnings, throttles, pauses and emergency stops, with
// per-action cooldowns and an automatic throttle after repeated
// interventions.
package controller

import (
	"errors"
	"fmt"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
)

// Controller errors.
var (
	// ErrUnknownAction is returned for action types the controller does
	// not recognize.
	ErrUnknownAction = errors.New("unknown control action")

	// ErrCooldownActive is returned when the same action type ran too
	// recently.
	ErrCooldownActive = errors.New("action cooldown active")

	// ErrAlreadyThrottled is returned when throttling an already
	// throttled pool.
	ErrAlreadyThrottled = errors.New("pool already throttled")

	// ErrAlreadyPaused is returned when pausing an already paused pool.
	ErrAlreadyPaused = errors.New("pool already paused")

	// ErrPoolNotRegistered is returned when acting on a pool the
	// registry does not know.
	ErrPoolNotRegistered = errors.New("pool not registered")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")
)

// Registry is the pool-registry surface the controller depends on.
// Satisfied by *registry.Registry.
type Registry interface {
	Authorize(caller, pool string) error
	Params(pool string) (domain.PoolRiskParameters, error)
	SystemDeactivate(pool string) error
	Owner() string
}

// UserNotifier delivers control notifications. Satisfied by
// *notifier.Notifier.
type UserNotifier interface {
	Notify(caller, user string, level int, message string, nowMs int64) error
}

// Controller tracks per-pool control status.
type Controller struct {
	mu       sync.Mutex
	owner    string
	registry Registry
	notifier UserNotifier
	status   map[string]*domain.ControlStatus
	recorder events.Recorder
}

// New creates a controller. Notifications are sent as the owner, to
// the registry owner; end-user delivery happens downstream of the
// event stream.
func New(owner string, reg Registry, un UserNotifier, recorder events.Recorder) *Controller {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Controller{
		owner:    owner,
		registry: reg,
		notifier: un,
		status:   make(map[string]*domain.ControlStatus),
		recorder: recorder,
	}
}

func cooldownFor(action domain.ControlAction) (int64, error) {
	switch action {
	case domain.ActionWarning:
		return domain.CooldownWarningMs, nil
	case domain.ActionThrottle:
		return domain.CooldownThrottleMs, nil
	case domain.ActionPause:
		return domain.CooldownPauseMs, nil
	case domain.ActionEmergency:
		return domain.CooldownEmergencyMs, nil
	default:
		return 0, ErrUnknownAction
	}
}

func severityFor(action domain.ControlAction) int {
	switch action {
	case domain.ActionWarning:
		return domain.SeverityWarning
	case domain.ActionThrottle:
		return domain.SeverityThrottle
	case domain.ActionPause:
		return domain.SeverityPause
	default:
		return domain.SeverityEmergency
	}
}

// ExecuteAction runs a control action against a registered pool. The
// caller must be a registry manager or the owner. A repeat of the same
// action type inside its cooldown is rejected; dispatch failures leave
// the pool's status untouched.
func (c *Controller) ExecuteAction(caller, pool string, action domain.ControlAction, nowMs int64) error {
	cooldown, err := cooldownFor(action)
	if err != nil {
		return err
	}
	if err := c.registry.Authorize(caller, pool); err != nil {
		return err
	}
	if _, err := c.registry.Params(pool); err != nil {
		return ErrPoolNotRegistered
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, exists := c.status[pool]
	if !exists {
		st = &domain.ControlStatus{}
		c.status[pool] = st
	}

	if st.LastAction == action && st.LastActionMs > 0 && nowMs-st.LastActionMs < cooldown {
		return ErrCooldownActive
	}

	if err := c.dispatchLocked(pool, action, st, nowMs); err != nil {
		return err
	}

	st.LastAction = action
	st.LastActionMs = nowMs
	st.ActionCount++
	if st.ActionCount >= domain.AutoThrottleActionCount {
		st.Throttled = true
		st.ThrottleEndMs = nowMs + domain.ThrottleWindowMs
	}

	c.recorder.Record(events.Event{
		Type:        events.TypeControlAction,
		Pool:        pool,
		User:        caller,
		Action:      string(action),
		Level:       severityFor(action),
		TimestampMs: nowMs,
	})
	return nil
}

func (c *Controller) dispatchLocked(pool string, action domain.ControlAction, st *domain.ControlStatus, nowMs int64) error {
	switch action {
	case domain.ActionWarning:
		c.notify(domain.SeverityWarning, fmt.Sprintf("risk warning for pool %s", pool), nowMs)

	case domain.ActionThrottle:
		if st.Throttled && nowMs < st.ThrottleEndMs {
			return ErrAlreadyThrottled
		}
		st.Throttled = true
		st.ThrottleEndMs = nowMs + domain.ThrottleWindowMs
		c.notify(domain.SeverityThrottle, fmt.Sprintf("pool %s throttled", pool), nowMs)

	case domain.ActionPause:
		if st.Paused {
			return ErrAlreadyPaused
		}
		st.Paused = true
		if err := c.registry.SystemDeactivate(pool); err != nil {
			st.Paused = false
			return err
		}
		c.notify(domain.SeverityPause, fmt.Sprintf("pool %s paused", pool), nowMs)

	case domain.ActionEmergency:
		// Unconditional: applies even when already paused.
		st.Paused = true
		if err := c.registry.SystemDeactivate(pool); err != nil {
			return err
		}
		c.notify(domain.SeverityEmergency, fmt.Sprintf("emergency stop for pool %s", pool), nowMs)
		c.recorder.Record(events.Event{
			Type:        events.TypeEmergencyAction,
			Pool:        pool,
			Action:      string(action),
			Level:       domain.SeverityEmergency,
			TimestampMs: nowMs,
		})
	}
	return nil
}

// notify delivers to the registry owner. Delivery is best-effort: a
// full queue must not block a protective action.
func (c *Controller) notify(severity int, message string, nowMs int64) {
	if c.notifier == nil {
		return
	}
	_ = c.notifier.Notify(c.owner, c.registry.Owner(), severity, message, nowMs)
}

// ResetControls zeroes a pool's control status. Owner only.
func (c *Controller) ResetControls(caller, pool string) error {
	if caller != c.owner {
		return ErrNotOwner
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, pool)
	return nil
}

// IsPoolThrottled reports whether the pool's throttle is in force at
// nowMs. The flag itself is never auto-cleared; expiry is purely a
// read-time comparison.
func (c *Controller) IsPoolThrottled(pool string, nowMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, exists := c.status[pool]
	if !exists {
		return false
	}
	return st.Throttled && nowMs < st.ThrottleEndMs
}

// Status returns a copy of the pool's control status.
func (c *Controller) Status(pool string) domain.ControlStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, exists := c.status[pool]
	if !exists {
		return domain.ControlStatus{}
	}
	return *st
}
