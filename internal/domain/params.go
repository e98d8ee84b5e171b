// Package domain contains the core entities of the risk engine.
// All scores and thresholds are signed integers in basis points
// (0..10000 = 0..100%); prices and liquidity magnitudes are *big.Int
// values at PRECISION scale (10^18); timestamps are Unix milliseconds
// supplied by the caller.
package domain

// MaxScoreBps is the upper bound for every computed score and threshold.
const MaxScoreBps int64 = 10000

// HighRiskThresholdBps is the score at or above which a position is
// eligible for forced closure and a pool counts as high-risk.
const HighRiskThresholdBps int64 = 7500

// PoolRiskParameters holds per-pool monitoring configuration.
// Created on pool registration, mutated by authorized managers,
// never deleted, only deactivated.
type PoolRiskParameters struct {
	VolatilityThreshold    int64 // basis points, > 0 while active
	LiquidityThreshold     int64 // minimum acceptable liquidity figure, > 0 while active
	ConcentrationThreshold int64 // basis points, > 0 while active
	Active                 bool
	UpdatedAt              int64 // Unix timestamp in milliseconds
}

// Valid reports whether all thresholds carry non-zero values.
// A zero threshold doubles as the "never registered" sentinel.
func (p PoolRiskParameters) Valid() bool {
	return p.VolatilityThreshold > 0 && p.LiquidityThreshold > 0 && p.ConcentrationThreshold > 0
}
