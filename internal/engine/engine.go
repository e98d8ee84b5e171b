// Package engine is the façade over the risk modules: it enforces the
// system-wide pause, guards re-entrant flows, and drives the graduated
// escalation path for incoming trade events.
package engine

import (
	"errors"
	"math/big"
	"sync"

	"amm-risk-engine/internal/aggregator"
	"amm-risk-engine/internal/controller"
	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/idhash"
	"amm-risk-engine/internal/liquidity"
	"amm-risk-engine/internal/notifier"
	"amm-risk-engine/internal/position"
	"amm-risk-engine/internal/registry"
	"amm-risk-engine/internal/volatility"
)

// Engine errors.
var (
	// ErrSystemPaused is returned by every mutating operation while the
	// engine is shut down.
	ErrSystemPaused = errors.New("system paused")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrReentrantCall is returned when a trade event re-enters a pool
	// whose previous event is still being processed.
	ErrReentrantCall = errors.New("reentrant trade event for pool")
)

// Composite escalation thresholds in basis points.
const (
	throttleAtBps  = domain.HighRiskThresholdBps
	pauseAtBps     = 9000
	emergencyAtBps = 9500
)

// TradeEvent is one observation from the event source: a price sample
// plus the pool's current liquidity shape.
type TradeEvent struct {
	Pool           string
	Price          *big.Int
	TotalLiquidity *big.Int
	Token0, Token1 string
	TickLower      int32
	TickUpper      int32
	TimestampMs    int64
}

// Engine wires the risk modules together behind a single operator
// surface.
type Engine struct {
	mu       sync.Mutex
	owner    string
	paused   bool
	inFlight map[string]bool // per-pool trade-event guard

	Registry   *registry.Registry
	Oracle     *volatility.Oracle
	Scorer     *liquidity.Scorer
	Positions  *position.Manager
	Notifier   *notifier.Notifier
	Controller *controller.Controller
	Aggregator *aggregator.Aggregator

	recorder events.Recorder
}

// New assembles an engine from its modules. All modules must share the
// same owner identity.
func New(owner string, reg *registry.Registry, oracle *volatility.Oracle, scorer *liquidity.Scorer,
	pos *position.Manager, ntf *notifier.Notifier, ctl *controller.Controller, agg *aggregator.Aggregator,
	recorder events.Recorder) *Engine {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Engine{
		owner:      owner,
		inFlight:   make(map[string]bool),
		Registry:   reg,
		Oracle:     oracle,
		Scorer:     scorer,
		Positions:  pos,
		Notifier:   ntf,
		Controller: ctl,
		Aggregator: agg,
		recorder:   recorder,
	}
}

// Build constructs all modules with a shared owner and recorder and
// wires them into an engine.
func Build(owner string, recorder events.Recorder) *Engine {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	reg := registry.New(owner, recorder)
	oracle := volatility.NewOracle(recorder)
	scorer := liquidity.NewScorer(owner)
	pos := position.NewManager(owner, reg, recorder)
	ntf := notifier.New(owner, recorder)
	ctl := controller.New(owner, reg, ntf, recorder)
	agg := aggregator.New(owner, reg, oracle, scorer, pos, recorder)
	return New(owner, reg, oracle, scorer, pos, ntf, ctl, agg, recorder)
}

// EmergencyShutdown pauses every mutating operation. Owner only.
func (e *Engine) EmergencyShutdown(caller string, nowMs int64) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return nil
	}
	e.paused = true
	e.recorder.Record(events.Event{Type: events.TypeSystemPaused, User: caller, TimestampMs: nowMs})
	return nil
}

// ResumeOperations lifts the system-wide pause. Owner only.
func (e *Engine) ResumeOperations(caller string, nowMs int64) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return nil
	}
	e.paused = false
	e.recorder.Record(events.Event{Type: events.TypeSystemResumed, User: caller, TimestampMs: nowMs})
	return nil
}

// Paused reports whether the system-wide pause is in force.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return ErrSystemPaused
	}
	return nil
}

// RegisterPool derives the pool id from its tokens and fee, registers
// it with the given thresholds, and opens its volatility window.
// Returns the derived id.
func (e *Engine) RegisterPool(caller, token0, token1 string, feeBps uint32, params domain.PoolRiskParameters, windowSize int, nowMs int64) (string, error) {
	if err := e.guard(); err != nil {
		return "", err
	}
	pool := idhash.ComputePoolID(token0, token1, int64(feeBps))
	if err := e.Registry.Register(caller, pool, params, nowMs); err != nil {
		return "", err
	}
	if err := e.Oracle.Initialize(pool, windowSize); err != nil {
		// Re-registration after deactivation reuses the extant window.
		if !errors.Is(err, volatility.ErrAlreadyInitialized) {
			return "", err
		}
	}
	return pool, nil
}

// UpdatePoolParams passes through to the registry.
func (e *Engine) UpdatePoolParams(caller, pool string, params domain.PoolRiskParameters, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Registry.Update(caller, pool, params, nowMs)
}

// BatchUpdatePoolParams passes through to the registry's skip-invalid
// batch, returning the number of pools actually updated.
func (e *Engine) BatchUpdatePoolParams(caller string, pools []string, params []domain.PoolRiskParameters, nowMs int64) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.Registry.BatchUpdate(caller, pools, params, nowMs)
}

// DeactivatePool passes through to the registry.
func (e *Engine) DeactivatePool(caller, pool string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Registry.Deactivate(caller, pool)
}

// ActivatePool passes through to the registry.
func (e *Engine) ActivatePool(caller, pool string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Registry.Activate(caller, pool)
}

// AddManager passes through to the registry.
func (e *Engine) AddManager(caller, pool, manager string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Registry.AddManager(caller, pool, manager)
}

// RemoveManager passes through to the registry.
func (e *Engine) RemoveManager(caller, pool, manager string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Registry.RemoveManager(caller, pool, manager)
}

// ResizeWindow passes through to the volatility oracle.
func (e *Engine) ResizeWindow(pool string, newSize int) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Oracle.Resize(pool, newSize)
}

// SetTokenInfo passes through to the liquidity scorer.
func (e *Engine) SetTokenInfo(caller, token string, marketCap, dailyVolume *big.Int, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Scorer.SetTokenInfo(caller, token, marketCap, dailyVolume, nowMs)
}

// UpdatePosition passes through to the position manager.
func (e *Engine) UpdatePosition(caller, user, pool string, size *big.Int, tickLower, tickUpper int32, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Positions.Update(caller, user, pool, size, tickLower, tickUpper, nowMs)
}

// UpdatePositionRisk passes through to the position manager.
func (e *Engine) UpdatePositionRisk(caller, user, pool string, score, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Positions.UpdateRisk(caller, user, pool, score, nowMs)
}

// BatchUpdatePositions passes through to the position manager's
// all-or-nothing batch.
func (e *Engine) BatchUpdatePositions(caller string, users, pools []string, sizes []*big.Int, lowers, uppers []int32, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Positions.BatchUpdate(caller, users, pools, sizes, lowers, uppers, nowMs)
}

// CloseRiskyPosition passes through to the position manager.
func (e *Engine) CloseRiskyPosition(user, pool string, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Positions.CloseRiskyPosition(user, pool, nowMs)
}

// ExecuteControl runs a manual control action; unlike the automatic
// escalation path, cooldown rejections surface to the caller.
func (e *Engine) ExecuteControl(caller, pool string, action domain.ControlAction, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Controller.ExecuteAction(caller, pool, action, nowMs)
}

// Notify passes through to the notifier.
func (e *Engine) Notify(caller, user string, level int, message string, nowMs int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Notifier.Notify(caller, user, level, message, nowMs)
}

// BatchNotify passes through to the notifier's skip-at-cap broadcast.
func (e *Engine) BatchNotify(caller string, users []string, level int, message string, nowMs int64) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.Notifier.BatchNotify(caller, users, level, message, nowMs)
}

// ClearExpiredNotifications passes through to the notifier.
func (e *Engine) ClearExpiredNotifications(user string, maxAgeMs, nowMs int64) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.Notifier.ClearExpired(user, maxAgeMs, nowMs), nil
}

// ResetControls passes through to the controller.
func (e *Engine) ResetControls(caller, pool string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Controller.ResetControls(caller, pool)
}

// RefreshPoolCache passes through to the aggregator.
func (e *Engine) RefreshPoolCache(caller, pool string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Aggregator.RefreshPoolCache(caller, pool)
}

// RefreshUserCache passes through to the aggregator.
func (e *Engine) RefreshUserCache(caller, user string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Aggregator.RefreshUserCache(caller, user)
}

// ResetSystemMetrics passes through to the aggregator.
func (e *Engine) ResetSystemMetrics(caller string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.Aggregator.ResetSystemMetrics(caller)
}

// PoolRisk is a read with cache side effects, so it is pause-guarded
// like a mutation.
func (e *Engine) PoolRisk(pool string, nowMs int64) (int64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.Aggregator.PoolRisk(pool, nowMs)
}

// UserRisk mirrors PoolRisk's guard semantics.
func (e *Engine) UserRisk(user string, nowMs int64) (int64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.Aggregator.UserRisk(user, nowMs)
}

// SystemRisk is a pure read and works while paused.
func (e *Engine) SystemRisk(nowMs int64) (domain.SystemMetrics, error) {
	return e.Aggregator.SystemRisk(nowMs)
}

// HandleTradeEvent ingests one trade observation: it validates every
// input first, records the price sample, scores the pool's liquidity,
// recomputes the composite (through the cache window), and applies
// graduated escalation against the pool's registered thresholds.
// During window warm-up the sample is stored and the event succeeds
// without escalation.
func (e *Engine) HandleTradeEvent(caller string, ev TradeEvent) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.Registry.Authorize(caller, ev.Pool); err != nil {
		return err
	}
	params, err := e.Registry.Params(ev.Pool)
	if err != nil {
		return err
	}
	if !e.Registry.IsActive(ev.Pool) {
		return registry.ErrPoolInactive
	}
	// Every check the mutating calls below perform runs up front, so a
	// failure cannot leave a half-applied event.
	if err := e.Scorer.ValidateInputs(ev.TotalLiquidity, ev.Price, ev.Token0, ev.Token1, ev.TickLower, ev.TickUpper); err != nil {
		return err
	}
	if ev.Price == nil || ev.Price.Sign() <= 0 {
		return volatility.ErrInvalidPrice
	}

	if err := e.enterPool(ev.Pool); err != nil {
		return err
	}
	defer e.exitPool(ev.Pool)

	volScore, err := e.Oracle.RecordPriceAndScore(ev.Pool, ev.Price, ev.TimestampMs)
	if errors.Is(err, volatility.ErrInsufficientSamples) {
		// Warm-up: the sample is stored; nothing to escalate yet.
		return nil
	}
	if err != nil {
		return err
	}

	liqScore, err := e.Scorer.Score(ev.Pool, ev.TotalLiquidity, ev.Price, ev.Token0, ev.Token1, ev.TickLower, ev.TickUpper, ev.TimestampMs)
	if err != nil {
		return err
	}

	composite, err := e.Aggregator.PoolRisk(ev.Pool, ev.TimestampMs)
	if err != nil {
		return err
	}

	posScore := e.Positions.PoolPositionRisk(ev.Pool)
	e.escalate(ev.Pool, params, volScore, liqScore, posScore, composite, ev.TimestampMs)
	return nil
}

func (e *Engine) enterPool(pool string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[pool] {
		return ErrReentrantCall
	}
	e.inFlight[pool] = true
	return nil
}

func (e *Engine) exitPool(pool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, pool)
}

// escalate picks the strongest applicable action. Cooldown and
// already-applied rejections are swallowed: the automatic path must
// not fail the event feed over bookkeeping.
func (e *Engine) escalate(pool string, params domain.PoolRiskParameters, volScore, liqScore, posScore, composite, nowMs int64) {
	var action domain.ControlAction
	switch {
	case composite >= emergencyAtBps:
		action = domain.ActionEmergency
	case composite >= pauseAtBps:
		action = domain.ActionPause
	case composite >= throttleAtBps:
		action = domain.ActionThrottle
	case volScore >= params.VolatilityThreshold,
		liqScore < params.LiquidityThreshold,
		posScore >= params.ConcentrationThreshold:
		action = domain.ActionWarning
	default:
		return
	}

	err := e.Controller.ExecuteAction(e.owner, pool, action, nowMs)
	if err == nil {
		return
	}
	if errors.Is(err, controller.ErrCooldownActive) ||
		errors.Is(err, controller.ErrAlreadyThrottled) ||
		errors.Is(err, controller.ErrAlreadyPaused) {
		return
	}
	// Anything else is unexpected; surface it on the event stream.
	e.recorder.Record(events.Event{
		Type:        events.TypeControlAction,
		Pool:        pool,
		Action:      string(action),
		Message:     "escalation failed: " + err.Error(),
		TimestampMs: nowMs,
	})
}
