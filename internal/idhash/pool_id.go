// Package idhash derives the opaque identifiers used to key engine state.
package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// ComputePoolID computes a deterministic pool id using SHA256.
// Formula: SHA256(token0|token1|feeBps), base58-encoded.
// The pair is order-sensitive: callers must pass tokens in canonical
// (token0 < token1) order.
func ComputePoolID(token0, token1 string, feeBps int64) string {
	data := fmt.Sprintf("%s|%s|%d", token0, token1, feeBps)
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}
