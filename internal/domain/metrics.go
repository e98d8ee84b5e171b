package domain

// CacheDurationMs bounds how old a memoized risk score may be and still
// be served without recomputation.
const CacheDurationMs int64 = 5 * 60 * 1000

// RiskCacheEntry is a memoized score. Purely derived: always
// reconstructible from its inputs, never a source of truth.
type RiskCacheEntry struct {
	Score      int64 // basis points
	LastUpdate int64 // Unix timestamp in milliseconds
}

// Fresh reports whether the entry is young enough to serve.
func (e RiskCacheEntry) Fresh(nowMs int64) bool {
	return nowMs-e.LastUpdate < CacheDurationMs
}

// SystemMetrics is the online aggregate over all scored pools. It
// depends on scoring history, not just current state, so a stale
// aggregate is an error rather than a lazy recompute.
type SystemMetrics struct {
	TotalRisk     int64 // running sum of composite scores (bps)
	RiskCount     int64 // number of scores folded in
	HighRiskCount int64 // scores at or above HighRiskThresholdBps
	LastUpdate    int64 // Unix timestamp in milliseconds
}

// RiskHistoryPoint is one composite scoring observation, persisted for
// external analysis. Corresponds to the risk_history table in ClickHouse.
type RiskHistoryPoint struct {
	Pool            string
	TimestampMs     int64
	CompositeScore  int64 // basis points
	VolatilityScore int64
	LiquidityRisk   int64
	PositionScore   int64
}
