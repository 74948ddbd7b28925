package jobs

import "math/big"

// Contract ids are uint256 on the wire but fit comfortably in uint64
// client-side.
func toUint256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
