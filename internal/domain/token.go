package domain

import "math/big"

// TokenInfo is admin-maintained token metadata, independent of any
// pool's lifecycle. An unset market cap blocks market-cap scoring for
// every pool containing the token.
type TokenInfo struct {
	Token       string
	MarketCap   *big.Int // PRECISION-scale, nil or zero means unset
	DailyVolume *big.Int // PRECISION-scale
	LastUpdate  int64    // Unix timestamp in milliseconds
}

// Clone returns a deep copy.
func (t *TokenInfo) Clone() *TokenInfo {
	cp := *t
	if t.MarketCap != nil {
		cp.MarketCap = new(big.Int).Set(t.MarketCap)
	}
	if t.DailyVolume != nil {
		cp.DailyVolume = new(big.Int).Set(t.DailyVolume)
	}
	return &cp
}
