package pool

import "math/big"

// ValidationStats accumulates the pool-validation counters of spec §6/§7:
// total swaps replayed, exact matches, per-field mismatch counts, and
// cumulative signed differences for reconciliation reporting. The pool
// engine never logs; mismatches are recorded here silently and surfaced
// only by whoever reads the stats at shutdown.
type ValidationStats struct {
	TotalSwaps    int64
	ExactMatches  int64

	AmountOutMismatches int64
	LpFeeMismatches     int64
	ProtocolFeeMismatches int64

	AmountOutDiffSum   *big.Int
	LpFeeDiffSum       *big.Int
	ProtocolFeeDiffSum *big.Int
}

// NewValidationStats returns a zeroed stats tracker.
func NewValidationStats() *ValidationStats {
	return &ValidationStats{
		AmountOutDiffSum:   big.NewInt(0),
		LpFeeDiffSum:       big.NewInt(0),
		ProtocolFeeDiffSum: big.NewInt(0),
	}
}

// RecordSwap compares result against expected (if non-nil fields are
// present) and updates the counters. A nil expected, or a nil field within
// it, means "not observed on-chain for this event" and is skipped.
func (s *ValidationStats) RecordSwap(result SwapResult, expected *ExpectedSwap) {
	s.TotalSwaps++
	if expected == nil {
		return
	}

	matched := true
	if expected.AmountOut != nil {
		diff := new(big.Int).Sub(result.AmountOut, expected.AmountOut)
		if diff.Sign() != 0 {
			s.AmountOutMismatches++
			matched = false
		}
		s.AmountOutDiffSum = new(big.Int).Add(s.AmountOutDiffSum, diff)
	}
	if expected.LpFee != nil {
		diff := new(big.Int).Sub(result.LpFee, expected.LpFee)
		if diff.Sign() != 0 {
			s.LpFeeMismatches++
			matched = false
		}
		s.LpFeeDiffSum = new(big.Int).Add(s.LpFeeDiffSum, diff)
	}
	if expected.ProtocolFee != nil {
		diff := new(big.Int).Sub(result.ProtocolFee, expected.ProtocolFee)
		if diff.Sign() != 0 {
			s.ProtocolFeeMismatches++
			matched = false
		}
		s.ProtocolFeeDiffSum = new(big.Int).Add(s.ProtocolFeeDiffSum, diff)
	}
	if matched {
		s.ExactMatches++
	}
}

// Summary is a plain snapshot of the counters, suitable for JSON/log output.
type Summary struct {
	TotalSwaps            int64  `json:"totalSwaps"`
	ExactMatches          int64  `json:"exactMatches"`
	AmountOutMismatches   int64  `json:"amountOutMismatches"`
	LpFeeMismatches       int64  `json:"lpFeeMismatches"`
	ProtocolFeeMismatches int64  `json:"protocolFeeMismatches"`
	AmountOutDiffSum      string `json:"amountOutDiffSum"`
	LpFeeDiffSum          string `json:"lpFeeDiffSum"`
	ProtocolFeeDiffSum    string `json:"protocolFeeDiffSum"`
}

// Summary returns a snapshot safe to serialize for the shutdown report.
func (s *ValidationStats) Summary() Summary {
	return Summary{
		TotalSwaps:            s.TotalSwaps,
		ExactMatches:          s.ExactMatches,
		AmountOutMismatches:   s.AmountOutMismatches,
		LpFeeMismatches:       s.LpFeeMismatches,
		ProtocolFeeMismatches: s.ProtocolFeeMismatches,
		AmountOutDiffSum:      s.AmountOutDiffSum.String(),
		LpFeeDiffSum:          s.LpFeeDiffSum.String(),
		ProtocolFeeDiffSum:    s.ProtocolFeeDiffSum.String(),
	}
}
