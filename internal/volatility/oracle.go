// Package volatility maintains per-pool rolling price windows and
// computes volatility scores from them.
package volatility

import (
	"errors"
	"math/big"
	"sync"

	"amm-risk-engine/internal/events"
	"amm-risk-engine/internal/fixedpoint"
)

// Oracle errors.
var (
	// ErrAlreadyInitialized is returned when a pool's window already exists.
	ErrAlreadyInitialized = errors.New("volatility window already initialized")

	// ErrNotInitialized is returned when a pool has no window.
	ErrNotInitialized = errors.New("volatility window not initialized")

	// ErrWindowTooSmall is returned for window sizes below the minimum.
	ErrWindowTooSmall = errors.New("window size below minimum")

	// ErrInvalidPrice is returned for nil or non-positive price samples.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrInsufficientSamples is returned when fewer than 2 populated
	// samples are available for scoring.
	ErrInsufficientSamples = errors.New("fewer than 2 valid price samples")
)

// MinWindowSize is the smallest allowed rolling window.
const MinWindowSize = 2

// series is one pool's circular price buffer. The populated bitmap
// distinguishes unset slots from legitimate observations; a raw zero
// is never used as a sentinel.
type series struct {
	prices    []*big.Int
	populated []bool
	index     int // next write position; also the oldest populated slot once wrapped
}

// samples returns the populated prices in chronological order.
func (s *series) samples() []*big.Int {
	n := len(s.prices)
	out := make([]*big.Int, 0, n)
	for i := 0; i < n; i++ {
		pos := (s.index + i) % n
		if s.populated[pos] {
			out = append(out, s.prices[pos])
		}
	}
	return out
}

// Oracle computes per-pool volatility scores over rolling price windows.
type Oracle struct {
	mu       sync.RWMutex
	series   map[string]*series
	recorder events.Recorder
}

// NewOracle creates an oracle emitting raw-sample events to recorder.
func NewOracle(recorder events.Recorder) *Oracle {
	if recorder == nil {
		recorder = events.NopRecorder{}
	}
	return &Oracle{
		series:   make(map[string]*series),
		recorder: recorder,
	}
}

// Initialize creates the rolling window for a pool.
func (o *Oracle) Initialize(pool string, windowSize int) error {
	if windowSize < MinWindowSize {
		return ErrWindowTooSmall
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.series[pool]; exists {
		return ErrAlreadyInitialized
	}
	o.series[pool] = &series{
		prices:    make([]*big.Int, windowSize),
		populated: make([]bool, windowSize),
	}
	return nil
}

// RecordPriceAndScore overwrites the slot at the current index, advances
// the index modulo the window size, and scores the window over populated
// samples only. The sample write always persists (a window could never
// accumulate its first observation otherwise), but scoring returns
// ErrInsufficientSamples until 2 populated samples exist, and no event
// is emitted for an unscored sample.
func (o *Oracle) RecordPriceAndScore(pool string, price *big.Int, nowMs int64) (int64, error) {
	if price == nil || price.Sign() <= 0 {
		return 0, ErrInvalidPrice
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	s, exists := o.series[pool]
	if !exists {
		return 0, ErrNotInitialized
	}

	s.prices[s.index] = new(big.Int).Set(price)
	s.populated[s.index] = true
	s.index = (s.index + 1) % len(s.prices)

	samples := s.samples()
	if len(samples) < MinWindowSize {
		return 0, ErrInsufficientSamples
	}

	score := scoreSamples(samples)
	o.recorder.Record(events.Event{
		Type:        events.TypePriceSample,
		Pool:        pool,
		Score:       score,
		Value:       price.String(),
		TimestampMs: nowMs,
	})
	return score, nil
}

// Score recomputes the volatility score over the current window without
// mutating anything.
func (o *Oracle) Score(pool string) (int64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s, exists := o.series[pool]
	if !exists {
		return 0, ErrNotInitialized
	}
	samples := s.samples()
	if len(samples) < MinWindowSize {
		return 0, ErrInsufficientSamples
	}
	return scoreSamples(samples), nil
}

// EWMAScore computes the faster-reacting alternative signal: the
// exponentially weighted average of absolute consecutive price deltas,
// normalized by the most recent price. Read-only.
func (o *Oracle) EWMAScore(pool string) (int64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s, exists := o.series[pool]
	if !exists {
		return 0, ErrNotInitialized
	}
	samples := s.samples()
	if len(samples) < MinWindowSize {
		return 0, ErrInsufficientSamples
	}

	ewma := fixedpoint.EWMAAbsDeltas(samples)
	latest := samples[len(samples)-1]
	return fixedpoint.ClampBps(fixedpoint.RatioBps(ewma, latest)), nil
}

// Resize changes a pool's window size, preserving the most recent
// min(old, new) populated samples in chronological order.
func (o *Oracle) Resize(pool string, newSize int) error {
	if newSize < MinWindowSize {
		return ErrWindowTooSmall
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	s, exists := o.series[pool]
	if !exists {
		return ErrNotInitialized
	}

	samples := s.samples()
	if len(samples) > newSize {
		samples = samples[len(samples)-newSize:]
	}

	next := &series{
		prices:    make([]*big.Int, newSize),
		populated: make([]bool, newSize),
	}
	for i, p := range samples {
		next.prices[i] = new(big.Int).Set(p)
		next.populated[i] = true
	}
	next.index = len(samples) % newSize
	o.series[pool] = next
	return nil
}

// scoreSamples normalizes the population stddev by the mean:
// stddev * 10000 / mean, clamped to [0, 10000]. A non-positive mean
// guards to 0.
func scoreSamples(samples []*big.Int) int64 {
	stddev := fixedpoint.PopStddev(samples)
	mean := fixedpoint.Mean(samples)
	return fixedpoint.ClampBps(fixedpoint.RatioBps(stddev, mean))
}
