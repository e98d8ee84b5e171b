// Package fixedpoint provides the scaled-integer statistical kernels
// used by the scoring pipeline. All functions are pure and stateless.
//
// Magnitudes (prices, liquidity) are *big.Int values at PRECISION scale
// (10^18); ratios are returned in basis points (0..10000). No floating
// point is used anywhere, so results are bit-reproducible. Division
// truncates toward zero throughout.
package fixedpoint

import "math/big"

// PrecisionExp is the decimal exponent of the fixed-point scale.
const PrecisionExp = 18

// BpsScale is the basis-point denominator: 10000 bps = 100%.
const BpsScale int64 = 10000

// Precision returns the fixed-point scale (10^18) as a fresh big.Int.
func Precision() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(PrecisionExp), nil)
}

var bpsScaleBig = big.NewInt(BpsScale)

// Mean returns the truncated arithmetic mean. Returns 0 for an empty slice.
func Mean(values []*big.Int) *big.Int {
	if len(values) == 0 {
		return new(big.Int)
	}
	sum := new(big.Int)
	for _, v := range values {
		sum.Add(sum, v)
	}
	return sum.Quo(sum, big.NewInt(int64(len(values))))
}

// PopStddev returns the truncated population standard deviation
// (n denominator, not n-1). Returns 0 for fewer than 2 values.
func PopStddev(values []*big.Int) *big.Int {
	n := len(values)
	if n < 2 {
		return new(big.Int)
	}
	mean := Mean(values)
	sumSq := new(big.Int)
	diff := new(big.Int)
	for _, v := range values {
		diff.Sub(v, mean)
		sumSq.Add(sumSq, diff.Mul(diff, diff))
	}
	variance := sumSq.Quo(sumSq, big.NewInt(int64(n)))
	return Sqrt(variance)
}

// Sqrt returns the integer square root (floor). Negative input yields 0.
func Sqrt(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(x)
}

// EWMAAbsDeltas computes the exponentially weighted moving average of
// absolute consecutive deltas with smoothing alpha = 2/(n+1), where n
// is the number of samples. Kept rational to stay exact:
//
//	ewma' = (2*|delta| + (n-1)*ewma) / (n+1)
//
// Returns 0 for fewer than 2 samples.
func EWMAAbsDeltas(values []*big.Int) *big.Int {
	n := int64(len(values))
	if n < 2 {
		return new(big.Int)
	}
	num := big.NewInt(2)
	carry := big.NewInt(n - 1)
	den := big.NewInt(n + 1)

	ewma := new(big.Int)
	delta := new(big.Int)
	for i := 1; i < len(values); i++ {
		delta.Sub(values[i], values[i-1])
		delta.Abs(delta)

		// ewma = (2*delta + (n-1)*ewma) / (n+1)
		weighted := new(big.Int).Mul(num, delta)
		weighted.Add(weighted, ewma.Mul(ewma, carry))
		ewma = weighted.Quo(weighted, den)
	}
	return ewma
}

// RatioBps returns num*10000/den truncated, or 0 when den is zero or
// either side is negative.
func RatioBps(num, den *big.Int) int64 {
	if den == nil || num == nil || den.Sign() <= 0 || num.Sign() < 0 {
		return 0
	}
	r := new(big.Int).Mul(num, bpsScaleBig)
	r.Quo(r, den)
	if !r.IsInt64() {
		return BpsScale
	}
	return r.Int64()
}

// ClampBps bounds a score to [0, 10000].
func ClampBps(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > BpsScale {
		return BpsScale
	}
	return v
}

// WeightedAverageBps returns the size-weighted average of basis-point
// scores: sum(weight_i * score_i) / sum(weight_i). Returns 0 when the
// total weight is zero. Entries with nil or non-positive weights are
// ignored.
func WeightedAverageBps(scores []int64, weights []*big.Int) int64 {
	if len(scores) != len(weights) {
		return 0
	}
	weightedSum := new(big.Int)
	totalWeight := new(big.Int)
	for i, w := range weights {
		if w == nil || w.Sign() <= 0 {
			continue
		}
		term := new(big.Int).Mul(w, big.NewInt(scores[i]))
		weightedSum.Add(weightedSum, term)
		totalWeight.Add(totalWeight, w)
	}
	if totalWeight.Sign() == 0 {
		return 0
	}
	avg := weightedSum.Quo(weightedSum, totalWeight)
	if !avg.IsInt64() {
		return BpsScale
	}
	return ClampBps(avg.Int64())
}
