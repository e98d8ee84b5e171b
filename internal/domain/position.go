package domain

import "math/big"

// Position is a liquidity provider's stake in a pool, keyed by (user, pool).
// Size is a PRECISION-scale magnitude and is always positive while the
// position exists; closed positions are deleted, never zeroed.
type Position struct {
	User       string
	Pool       string
	Size       *big.Int // PRECISION-scale liquidity amount, > 0
	TickLower  int32    // must be < TickUpper
	TickUpper  int32
	RiskScore  int64 // basis points, 0..10000
	LastUpdate int64 // Unix timestamp in milliseconds
}

// Clone returns a deep copy. Stores hand out clones so callers can
// never mutate shared big.Int state.
func (p *Position) Clone() *Position {
	cp := *p
	if p.Size != nil {
		cp.Size = new(big.Int).Set(p.Size)
	}
	return &cp
}
