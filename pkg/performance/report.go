package performance

import (
	"encoding/json"
	"os"

	"github.com/clmreplay/backtest-engine/pkg/position"
	"github.com/clmreplay/backtest-engine/pkg/primitives"
)

// PositionSummary is one open position's final state in the report.
type PositionSummary struct {
	ID          string `json:"id"`
	TickLower   int    `json:"tickLower"`
	TickUpper   int    `json:"tickUpper"`
	Liquidity   string `json:"liquidity"`
	Amount0     string `json:"amount0"`
	Amount1     string `json:"amount1"`
	TokensOwed0 string `json:"tokensOwed0"`
	TokensOwed1 string `json:"tokensOwed1"`
	InRangeMs   int64  `json:"inRangeMs"`
}

// Report is the final JSON summary of spec §6 written once at the end of a run.
type Report struct {
	InitialValueToken1 string            `json:"initialValueToken1"`
	FinalValueToken1   string            `json:"finalValueToken1"`
	AbsoluteReturn     string            `json:"absoluteReturn"`
	ReturnPct          string            `json:"returnPct"`
	MaxDrawdownPct     string            `json:"maxDrawdownPct"`
	Samples            int               `json:"samples"`
	OpenPositions      []PositionSummary `json:"openPositions"`
}

// BuildReport assembles the final report from an initial fund row (the
// driver passes its first sample), the last sample, the running max drawdown, and the manager's still-open
// positions at the sampled price.
func BuildReport(initialValue, finalRow FundRow, maxDrawdownPct primitives.Decimal, samples int, pool PoolView, openPositions []*position.Position) (Report, error) {
	sqrtPrice := pool.SqrtPriceX96()

	summaries := make([]PositionSummary, 0, len(openPositions))
	for _, pos := range sortedPositions(openPositions) {
		amount0, amount1, err := position.AmountsForLiquidity(sqrtPrice, pos.TickLower, pos.TickUpper, pos.Liquidity, false)
		if err != nil {
			return Report{}, err
		}
		summaries = append(summaries, PositionSummary{
			ID:          pos.ID,
			TickLower:   pos.TickLower,
			TickUpper:   pos.TickUpper,
			Liquidity:   pos.Liquidity.String(),
			Amount0:     amount0.String(),
			Amount1:     amount1.String(),
			TokensOwed0: pos.UnclaimedFees0.String(),
			TokensOwed1: pos.UnclaimedFees1.String(),
			InRangeMs:   pos.InRangeMs,
		})
	}

	absReturn := finalRow.PortfolioValueToken1.Sub(initialValue.PortfolioValueToken1)

	return Report{
		InitialValueToken1: initialValue.PortfolioValueToken1.RoundedString(priceDecimalPlaces),
		FinalValueToken1:   finalRow.PortfolioValueToken1.RoundedString(priceDecimalPlaces),
		AbsoluteReturn:     absReturn.RoundedString(priceDecimalPlaces),
		ReturnPct:          finalRow.ReturnPct.RoundedString(pctDecimalPlaces),
		MaxDrawdownPct:     maxDrawdownPct.RoundedString(pctDecimalPlaces),
		Samples:            samples,
		OpenPositions:      summaries,
	}, nil
}

// WriteReport marshals r as indented JSON to path.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
