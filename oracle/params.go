package oracle

import "math/big"

// PPBScale is the fixed-point scale for deviation bounds: 1e9 parts per
// billion equals a 100% move.
const PPBScale = 1_000_000_000

// Params are the administrator-tunable acceptance thresholds.
type Params struct {
	// MaxStalenessSeconds bounds how far in the past a report's asserted
	// timestamp may lie relative to processing time. Timestamps in the
	// future are always rejected.
	MaxStalenessSeconds uint64
	// MaxDeviationPPB bounds the relative change from the previous accepted
	// price, in parts per billion.
	MaxDeviationPPB uint64
}

// DeviationPPB computes |next-prev| * 1e9 / prev with truncating integer
// division. prev must be positive, which holds for every committed round.
func DeviationPPB(prev, next *big.Int) *big.Int {
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(PPBScale))
	return diff.Div(diff, prev)
}
