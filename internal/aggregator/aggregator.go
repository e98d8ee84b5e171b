// Package aggregator folds the volatility, liquidity and position
// signals into per-pool and per-user composite risk scores, with a
// bounded-staleness cache and online system-wide metrics.
package aggregator

import (
	"errors"
	"math/big"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/fixedpoint"
)

// Aggregator errors.
var (
	// ErrPoolInactive is returned when aggregating a pool that is not
	// registered and active.
	ErrPoolInactive = errors.New("pool not registered or inactive")

	// ErrStaleMetrics is returned by SystemRisk when no pool risk has
	// been folded within the cache window.
	ErrStaleMetrics = errors.New("system metrics stale")

	// ErrNotOwner is returned for owner-only operations.
	ErrNotOwner = errors.New("caller is not the owner")
)

// Composite weights in percent: volatility, liquidity, positions.
const (
	weightVolatility = 35
	weightLiquidity  = 35
	weightPositions  = 30
)

// Registry is the pool-registry surface the aggregator reads.
type Registry interface {
	IsActive(pool string) bool
	Params(pool string) (domain.PoolRiskParameters, error)
	RegisteredPools() []string
}

// VolatilitySource yields the current volatility score for a pool.
type VolatilitySource interface {
	Score(pool string) (int64, error)
}

// StabilitySource yields the liquidity stability score for a pool.
type StabilitySource interface {
	StabilityScore(pool string) int64
}

// PositionSource yields the position-level risk signals.
type PositionSource interface {
	PoolPositionRisk(pool string) int64
	UserPositions(user string) []*domain.Position
}

// HistorySink receives every freshly computed pool observation, with
// the component breakdown. Sinks must not block; persistence failures
// never affect scoring.
type HistorySink interface {
	AppendRiskPoint(point domain.RiskHistoryPoint)
}

// Aggregator computes and caches composite risk scores.
type Aggregator struct {
	mu         sync.Mutex
	owner      string
	registry   Registry
	volatility VolatilitySource
	stability  StabilitySource
	positions  PositionSource
	poolCache  map[string]domain.RiskCacheEntry
	userCache  map[string]domain.RiskCacheEntry
	metrics    domain.SystemMetrics
	recorder   events.Recorder
	history    HistorySink
}

// New creates an aggregator over the three risk signal sources.
func New(owner string, reg Registry, vol VolatilitySource, stab StabilitySource, pos PositionSource, recorder events.Recorder) *Aggregator {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Aggregator{
		owner:      owner,
		registry:   reg,
		volatility: vol,
		stability:  stab,
		positions:  pos,
		poolCache:  make(map[string]domain.RiskCacheEntry),
		userCache:  make(map[string]domain.RiskCacheEntry),
		recorder:   recorder,
	}
}

// SetHistorySink attaches a sink for computed observations. Call
// before the aggregator is shared between goroutines.
func (a *Aggregator) SetHistorySink(sink HistorySink) {
	a.history = sink
}

// PoolRisk returns the pool's composite risk score in basis points. A
// cache entry younger than the cache window is returned unchanged;
// otherwise the score is recomputed, cached, folded into the system
// metrics and a PoolRiskUpdated event is emitted.
func (a *Aggregator) PoolRisk(pool string, nowMs int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poolRiskLocked(pool, nowMs)
}

func (a *Aggregator) poolRiskLocked(pool string, nowMs int64) (int64, error) {
	if entry, ok := a.poolCache[pool]; ok && entry.Fresh(nowMs) {
		return entry.Score, nil
	}
	if !a.registry.IsActive(pool) {
		return 0, ErrPoolInactive
	}
	params, err := a.registry.Params(pool)
	if err != nil {
		return 0, ErrPoolInactive
	}

	volScore, err := a.volatility.Score(pool)
	if err != nil {
		return 0, err
	}
	liqRisk := liquidityRisk(a.stability.StabilityScore(pool), params.LiquidityThreshold)
	posScore := a.positions.PoolPositionRisk(pool)

	composite := (weightVolatility*volScore + weightLiquidity*liqRisk + weightPositions*posScore) / 100

	a.poolCache[pool] = domain.RiskCacheEntry{Score: composite, LastUpdate: nowMs}
	a.metrics.TotalRisk += composite
	a.metrics.RiskCount++
	if composite >= domain.HighRiskThresholdBps {
		a.metrics.HighRiskCount++
	}
	a.metrics.LastUpdate = nowMs

	a.recorder.Record(events.Event{
		Type:        events.TypePoolRiskUpdated,
		Pool:        pool,
		Score:       composite,
		TimestampMs: nowMs,
	})
	if a.history != nil {
		a.history.AppendRiskPoint(domain.RiskHistoryPoint{
			Pool:            pool,
			TimestampMs:     nowMs,
			CompositeScore:  composite,
			VolatilityScore: volScore,
			LiquidityRisk:   liqRisk,
			PositionScore:   posScore,
		})
	}
	return composite, nil
}

// liquidityRisk converts a stability score into a risk contribution:
// the shortfall of the score against the pool's liquidity threshold,
// scaled to basis points. A score at or above the threshold is riskless.
func liquidityRisk(stabilityScore, threshold int64) int64 {
	if threshold <= 0 || stabilityScore >= threshold {
		return 0
	}
	return fixedpoint.ClampBps((threshold - stabilityScore) * domain.MaxScoreBps / threshold)
}

// UserRisk returns the size-weighted average of pool risks across the
// user's positions, scanning every registered pool. Cached per user;
// the pool risks it pulls go through (and refresh) the pool cache.
func (a *Aggregator) UserRisk(user string, nowMs int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.userCache[user]; ok && entry.Fresh(nowMs) {
		return entry.Score, nil
	}

	held := make(map[string]*domain.Position)
	for _, p := range a.positions.UserPositions(user) {
		held[p.Pool] = p
	}

	var scores []int64
	var weights []*big.Int
	for _, pool := range a.registry.RegisteredPools() {
		p, ok := held[pool]
		if !ok {
			continue
		}
		score, err := a.poolRiskLocked(pool, nowMs)
		if err != nil {
			return 0, err
		}
		scores = append(scores, score)
		weights = append(weights, p.Size)
	}

	risk := fixedpoint.WeightedAverageBps(scores, weights)
	a.userCache[user] = domain.RiskCacheEntry{Score: risk, LastUpdate: nowMs}

	a.recorder.Record(events.Event{
		Type:        events.TypeUserRiskUpdated,
		User:        user,
		Score:       risk,
		TimestampMs: nowMs,
	})
	return risk, nil
}

// SystemRisk returns the online system-wide aggregate. Metrics older
// than the cache window are an error, not a trigger for recomputation.
func (a *Aggregator) SystemRisk(nowMs int64) (domain.SystemMetrics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.metrics.RiskCount == 0 || nowMs-a.metrics.LastUpdate > domain.CacheDurationMs {
		return domain.SystemMetrics{}, ErrStaleMetrics
	}
	return a.metrics, nil
}

// RefreshPoolCache drops a pool's cache entry so the next read
// recomputes. Owner only.
func (a *Aggregator) RefreshPoolCache(caller, pool string) error {
	if caller != a.owner {
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.poolCache, pool)
	return nil
}

// RefreshUserCache drops a user's cache entry. Owner only.
func (a *Aggregator) RefreshUserCache(caller, user string) error {
	if caller != a.owner {
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.userCache, user)
	return nil
}

// ResetSystemMetrics zeroes the online aggregate. Owner only.
func (a *Aggregator) ResetSystemMetrics(caller string) error {
	if caller != a.owner {
		return ErrNotOwner
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = domain.SystemMetrics{}
	return nil
}
