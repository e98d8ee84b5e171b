// Package liquidity computes per-pool multi-factor liquidity scores and
// maintains the token registry and per-pool liquidity history.
package liquidity

import (
	"errors"
	"math/big"
	"sync"

	"amm-risk-engine/internal/domain"
	"amm-risk-engine/internal/fixedpoint"
)

// Scorer errors.
var (
	// ErrZeroLiquidity is returned when the reported total liquidity is zero.
	ErrZeroLiquidity = errors.New("total liquidity is zero")

	// ErrInvalidPrice is returned for nil or non-positive prices.
	ErrInvalidPrice = errors.New("current price must be positive")

	// ErrInvalidTickRange is returned when tickLower >= tickUpper.
	ErrInvalidTickRange = errors.New("invalid tick range")

	// ErrMarketCapUnset is returned when either token lacks market cap data.
	ErrMarketCapUnset = errors.New("token market cap not set")

	// ErrNotOwner is returned when a non-admin updates token metadata.
	ErrNotOwner = errors.New("caller is not the owner")

	// ErrUnknownToken is returned when reading metadata that was never set.
	ErrUnknownToken = errors.New("unknown token")
)

// HistoryWindow is the fixed capacity of a pool's liquidity history.
const HistoryWindow = 24

// Composite weights, in percent. They sum to 100; the composite is
// integer-truncated.
const (
	weightMarketCap    = 30
	weightDistribution = 40
	weightStability    = 30
)

// tickPriceDivisor maps ticks to prices linearly: one tick spans
// PRECISION/tickPriceDivisor price units.
const tickPriceDivisor = 1000

// historySample is one recorded liquidity reading.
type historySample struct {
	liquidity *big.Int
	timestamp int64
}

// history is a pool's circular liquidity buffer, created lazily on the
// first score computation.
type history struct {
	samples   []*historySample // len == HistoryWindow, nil slots unpopulated
	index     int
	populated int
}

// chronological returns populated samples oldest-first.
func (h *history) chronological() []*historySample {
	out := make([]*historySample, 0, h.populated)
	for i := 0; i < HistoryWindow; i++ {
		pos := (h.index + i) % HistoryWindow
		if h.samples[pos] != nil {
			out = append(out, h.samples[pos])
		}
	}
	return out
}

// append overwrites the oldest slot with a new reading.
func (h *history) append(liquidity *big.Int, nowMs int64) {
	if h.samples[h.index] == nil {
		h.populated++
	}
	h.samples[h.index] = &historySample{
		liquidity: new(big.Int).Set(liquidity),
		timestamp: nowMs,
	}
	h.index = (h.index + 1) % HistoryWindow
}

// Scorer computes liquidity scores and owns token metadata.
type Scorer struct {
	mu        sync.RWMutex
	owner     string
	tokens    map[string]*domain.TokenInfo
	histories map[string]*history
}

// NewScorer creates a scorer administered by owner.
func NewScorer(owner string) *Scorer {
	return &Scorer{
		owner:     owner,
		tokens:    make(map[string]*domain.TokenInfo),
		histories: make(map[string]*history),
	}
}

// SetTokenInfo records admin-maintained token metadata. Owner only;
// independent of any pool's lifecycle.
func (s *Scorer) SetTokenInfo(caller, token string, marketCap, dailyVolume *big.Int, nowMs int64) error {
	if caller != s.owner {
		return ErrNotOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := &domain.TokenInfo{Token: token, LastUpdate: nowMs}
	if marketCap != nil {
		info.MarketCap = new(big.Int).Set(marketCap)
	}
	if dailyVolume != nil {
		info.DailyVolume = new(big.Int).Set(dailyVolume)
	}
	s.tokens[token] = info
	return nil
}

// TokenInfo returns a copy of a token's metadata.
func (s *Scorer) TokenInfo(token string) (*domain.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, exists := s.tokens[token]
	if !exists {
		return nil, ErrUnknownToken
	}
	return info.Clone(), nil
}

// ValidateInputs runs every check Score performs, without mutating
// anything. The engine calls it before starting a multi-component
// mutation so a later Score cannot fail halfway through.
func (s *Scorer) ValidateInputs(totalLiquidity, currentPrice *big.Int, token0, token1 string, tickLower, tickUpper int32) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validateLocked(totalLiquidity, currentPrice, token0, token1, tickLower, tickUpper)
}

func (s *Scorer) validateLocked(totalLiquidity, currentPrice *big.Int, token0, token1 string, tickLower, tickUpper int32) error {
	if totalLiquidity == nil || totalLiquidity.Sign() == 0 {
		return ErrZeroLiquidity
	}
	if currentPrice == nil || currentPrice.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if tickLower >= tickUpper {
		return ErrInvalidTickRange
	}
	if _, err := s.minMarketCapLocked(token0, token1); err != nil {
		return err
	}
	return nil
}

// minMarketCapLocked returns the smaller of the two tokens' market caps.
func (s *Scorer) minMarketCapLocked(token0, token1 string) (*big.Int, error) {
	info0, ok0 := s.tokens[token0]
	info1, ok1 := s.tokens[token1]
	if !ok0 || !ok1 || info0.MarketCap == nil || info1.MarketCap == nil ||
		info0.MarketCap.Sign() <= 0 || info1.MarketCap.Sign() <= 0 {
		return nil, ErrMarketCapUnset
	}
	if info0.MarketCap.Cmp(info1.MarketCap) <= 0 {
		return info0.MarketCap, nil
	}
	return info1.MarketCap, nil
}

// Score computes the composite liquidity score: 30% market-cap +
// 40% distribution + 30% stability, integer-truncated.
// On success the reading is appended to the pool's 24-slot history and
// participates in the stability factor; a failed call records nothing.
func (s *Scorer) Score(pool string, totalLiquidity, currentPrice *big.Int, token0, token1 string, tickLower, tickUpper int32, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(totalLiquidity, currentPrice, token0, token1, tickLower, tickUpper); err != nil {
		return 0, err
	}

	minCap, err := s.minMarketCapLocked(token0, token1)
	if err != nil {
		return 0, err
	}

	h, exists := s.histories[pool]
	if !exists {
		h = &history{samples: make([]*historySample, HistoryWindow)}
		s.histories[pool] = h
	}
	h.append(totalLiquidity, nowMs)

	mc := marketCapScore(totalLiquidity, minCap)
	dist := distributionScore(currentPrice, tickLower, tickUpper)
	stab := stabilityScore(h.chronological())

	composite := (weightMarketCap*mc + weightDistribution*dist + weightStability*stab) / 100
	return fixedpoint.ClampBps(composite), nil
}

// StabilityScore returns the stability factor alone, read-only. The
// aggregator consumes it as the pool's liquidity figure.
func (s *Scorer) StabilityScore(pool string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.histories[pool]
	if !exists {
		return fixedpoint.BpsScale
	}
	return stabilityScore(h.chronological())
}

// marketCapScore scores the ratio of pool liquidity to the smaller
// token market cap. A ratio above 100% means an over-supplied pool and
// scores 0; otherwise the score is 10000 - ratio.
func marketCapScore(totalLiquidity, minCap *big.Int) int64 {
	ratio := new(big.Int).Mul(totalLiquidity, big.NewInt(fixedpoint.BpsScale))
	ratio.Quo(ratio, minCap)
	if !ratio.IsInt64() || ratio.Int64() > fixedpoint.BpsScale {
		return 0
	}
	return fixedpoint.BpsScale - ratio.Int64()
}

// distributionScore scores how tightly the tick range brackets the
// current price. Ticks map to prices linearly at PRECISION/1000 per
// tick. A price outside the range scores 0; inside, the score shrinks
// with the range's relative width: 10000*10000 / (10000 + widthBps).
func distributionScore(currentPrice *big.Int, tickLower, tickUpper int32) int64 {
	unit := fixedpoint.Precision()
	unit.Quo(unit, big.NewInt(tickPriceDivisor))

	priceLower := new(big.Int).Mul(big.NewInt(int64(tickLower)), unit)
	priceUpper := new(big.Int).Mul(big.NewInt(int64(tickUpper)), unit)

	if currentPrice.Cmp(priceLower) < 0 || currentPrice.Cmp(priceUpper) > 0 {
		return 0
	}

	width := new(big.Int).Sub(priceUpper, priceLower)
	widthBps := width.Mul(width, big.NewInt(fixedpoint.BpsScale))
	widthBps.Quo(widthBps, currentPrice)

	den := widthBps.Add(widthBps, big.NewInt(fixedpoint.BpsScale))
	score := new(big.Int).Quo(big.NewInt(fixedpoint.BpsScale*fixedpoint.BpsScale), den)
	return fixedpoint.ClampBps(score.Int64())
}

// stabilityScore is the inverse of the average period-over-period
// percentage variation of the liquidity history. Fewer than 2 points is
// maximal: no evidence of instability.
func stabilityScore(samples []*historySample) int64 {
	if len(samples) < 2 {
		return fixedpoint.BpsScale
	}

	sum := new(big.Int)
	pairs := int64(0)
	diff := new(big.Int)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].liquidity
		if prev.Sign() <= 0 {
			continue
		}
		diff.Sub(samples[i].liquidity, prev)
		diff.Abs(diff)
		variation := new(big.Int).Mul(diff, big.NewInt(fixedpoint.BpsScale))
		variation.Quo(variation, prev)
		sum.Add(sum, variation)
		pairs++
	}
	if pairs == 0 {
		return fixedpoint.BpsScale
	}

	avg := sum.Quo(sum, big.NewInt(pairs))
	if !avg.IsInt64() || avg.Int64() >= fixedpoint.BpsScale {
		return 0
	}
	return fixedpoint.BpsScale - avg.Int64()
}
