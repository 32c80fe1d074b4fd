package asset

import "github.com/holiman/uint256"

// Uint256 is the wide unsigned integer type used for on-chain token amounts.
// Token amounts stay in this representation until the HF engine's final
// ratio, per spec.md §9 ("keep token amounts as wide integers until the
// final ratio").
type Uint256 = uint256.Int

// NewUint256FromUint64 builds a Uint256 from a native uint64 amount.
func NewUint256FromUint64(v uint64) *Uint256 {
	return uint256.NewInt(v)
}

// ZeroUint256 reports whether amt is nil or zero.
func ZeroUint256(amt *Uint256) bool {
	return amt == nil || amt.IsZero()
}
