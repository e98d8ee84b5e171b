// Package position tracks per-(user, pool) liquidity positions and
// their risk scores, and force-closes positions that cross the
// high-risk threshold.
package position

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/fixedpoint"
)

// Manager errors.
var (
	// ErrNotFound is returned when no position exists for (user, pool).
	ErrNotFound = errors.New("position not found")

	// ErrInvalidSize is returned for nil or non-positive position sizes.
	ErrInvalidSize = errors.New("position size must be positive")

	// ErrInvalidTickRange is returned when tickLower >= tickUpper.
	ErrInvalidTickRange = errors.New("invalid tick range")

	// ErrScoreOutOfRange is returned for risk scores outside [0, 10000].
	ErrScoreOutOfRange = errors.New("risk score out of range")

	// ErrNotHighRisk is returned when force-closing a position whose
	// stored score is below the high-risk threshold.
	ErrNotHighRisk = errors.New("position below high-risk threshold")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrLengthMismatch is returned when batch slices differ in length.
	ErrLengthMismatch = errors.New("batch slice length mismatch")

	// ErrReentrantCall is returned when an operation re-enters a
	// still-in-progress mutation of the same position.
	ErrReentrantCall = errors.New("reentrant call on position")
)

// Authorizer decides whether a caller may manage a pool. Satisfied by
// the registry.
type Authorizer interface {
	Authorize(caller, pool string) error
}

type key struct {
	user string
	pool string
}

// Manager holds all tracked positions.
type Manager struct {
	mu         sync.RWMutex
	owner      string
	auth       Authorizer
	positions  map[key]*domain.Position
	inProgress map[key]bool
	recorder   events.Recorder
}

// NewManager creates a position manager. auth gates risk-score updates
// per pool; owner gates bulk position writes.
func NewManager(owner string, auth Authorizer, recorder events.Recorder) *Manager {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Manager{
		owner:      owner,
		auth:       auth,
		positions:  make(map[key]*domain.Position),
		inProgress: make(map[key]bool),
		recorder:   recorder,
	}
}

// Get returns a copy of the position for (user, pool).
func (m *Manager) Get(user, pool string) (*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.positions[key{user, pool}]
	if !exists {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Update creates or overwrites a position. Owner only; the risk score
// resets to 0 on every write.
func (m *Manager) Update(caller, user, pool string, size *big.Int, tickLower, tickUpper int32, nowMs int64) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if err := validateWrite(size, tickLower, tickUpper); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLocked(user, pool, size, tickLower, tickUpper, nowMs)
	return nil
}

// BatchUpdate applies the same write across parallel slices. Any length
// mismatch or invalid entry fails the whole call before a single write.
// Unlike the registry's batch, there is no partial application.
func (m *Manager) BatchUpdate(caller string, users, pools []string, sizes []*big.Int, lowers, uppers []int32, nowMs int64) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	n := len(users)
	if len(pools) != n || len(sizes) != n || len(lowers) != n || len(uppers) != n {
		return ErrLengthMismatch
	}
	for i := 0; i < n; i++ {
		if err := validateWrite(sizes[i], lowers[i], uppers[i]); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.writeLocked(users[i], pools[i], sizes[i], lowers[i], uppers[i], nowMs)
	}
	return nil
}

func validateWrite(size *big.Int, tickLower, tickUpper int32) error {
	if size == nil || size.Sign() <= 0 {
		return ErrInvalidSize
	}
	if tickLower >= tickUpper {
		return ErrInvalidTickRange
	}
	return nil
}

func (m *Manager) writeLocked(user, pool string, size *big.Int, tickLower, tickUpper int32, nowMs int64) {
	m.positions[key{user, pool}] = &domain.Position{
		User:       user,
		Pool:       pool,
		Size:       new(big.Int).Set(size),
		TickLower:  tickLower,
		TickUpper:  tickUpper,
		RiskScore:  0,
		LastUpdate: nowMs,
	}
}

// UpdateRisk sets a position's risk score. Only a registry manager (or
// the owner) for the pool may call it. A score at or above the
// high-risk threshold immediately force-closes the position. The whole
// operation is wrapped in a per-position reentrancy guard.
func (m *Manager) UpdateRisk(caller, user, pool string, score, nowMs int64) error {
	if score < 0 || score > domain.MaxScoreBps {
		return ErrScoreOutOfRange
	}
	if err := m.auth.Authorize(caller, pool); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{user, pool}
	if m.inProgress[k] {
		return ErrReentrantCall
	}
	m.inProgress[k] = true
	defer delete(m.inProgress, k)

	p, exists := m.positions[k]
	if !exists {
		return ErrNotFound
	}

	p.RiskScore = score
	p.LastUpdate = nowMs

	if score >= domain.HighRiskThresholdBps {
		m.closeLocked(k, nowMs)
	}
	return nil
}

// CloseRiskyPosition deletes a position whose stored score already
// meets the high-risk threshold.
func (m *Manager) CloseRiskyPosition(user, pool string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{user, pool}
	if m.inProgress[k] {
		return ErrReentrantCall
	}
	p, exists := m.positions[k]
	if !exists {
		return ErrNotFound
	}
	if p.RiskScore < domain.HighRiskThresholdBps {
		return ErrNotHighRisk
	}
	m.closeLocked(k, nowMs)
	return nil
}

func (m *Manager) closeLocked(k key, nowMs int64) {
	p := m.positions[k]
	delete(m.positions, k)
	m.recorder.Record(events.Event{
		Type:        events.TypePositionClosed,
		Pool:        k.pool,
		User:        k.user,
		Score:       p.RiskScore,
		Value:       p.Size.String(),
		TimestampMs: nowMs,
	})
}

// PoolPositionRisk returns the size-weighted average risk score over
// every position in the pool, 0 when the pool has none. This is the
// pool-level position signal the aggregator folds into the composite.
func (m *Manager) PoolPositionRisk(pool string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scores []int64
	var weights []*big.Int
	for k, p := range m.positions {
		if k.pool != pool {
			continue
		}
		scores = append(scores, p.RiskScore)
		weights = append(weights, p.Size)
	}
	return fixedpoint.WeightedAverageBps(scores, weights)
}

// UserPositions returns copies of the user's positions, ordered by pool
// id for determinism.
func (m *Manager) UserPositions(user string) []*domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Position
	for k, p := range m.positions {
		if k.user == user {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}
