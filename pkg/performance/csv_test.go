package performance

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clmreplay/backtest-engine/pkg/primitives"
)

func TestFundCSVWriterWritesHeaderOnceAndAppendsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fund.csv")
	w, err := NewFundCSVWriter(path)
	require.NoError(t, err)

	row := FundRow{
		TimestampMs:          1000,
		Price:                primitives.NewDecimal(1),
		Tick:                 0,
		Cash0:                big.NewInt(100),
		Cash1:                big.NewInt(200),
		SumAmount0:           big.NewInt(0),
		SumAmount1:           big.NewInt(0),
		FeesOwed0:            big.NewInt(0),
		FeesOwed1:            big.NewInt(0),
		Collected0:           big.NewInt(0),
		Collected1:           big.NewInt(0),
		ActionCost0:          big.NewInt(0),
		ActionCost1:          big.NewInt(0),
		PortfolioValueToken1: primitives.NewDecimal(300),
		ReturnPct:            primitives.Zero(),
		DrawdownPct:          primitives.Zero(),
	}
	require.NoError(t, w.Write(row))
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(string(contents))
	require.Len(t, lines, 3) // header + row + trailing newline artifact
	assert.Contains(t, lines[0], "timestampMs")
	assert.Contains(t, lines[1], "1000")
	assert.Contains(t, lines[1], "100")
	assert.Contains(t, lines[1], "200")
}

func TestPositionCSVWriterWritesOneRowPerPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.csv")
	w, err := NewPositionCSVWriter(path)
	require.NoError(t, err)

	rows := []PositionRow{
		{
			TimestampMs: 1000,
			PositionID:  "pos-1",
			TickLower:   -10,
			TickUpper:   10,
			Liquidity:   big.NewInt(1000),
			Amount0:     big.NewInt(50),
			Amount1:     big.NewInt(50),
			TokensOwed0: big.NewInt(0),
			TokensOwed1: big.NewInt(0),
			InRange:     true,
		},
		{
			TimestampMs: 1000,
			PositionID:  "pos-2",
			TickLower:   20,
			TickUpper:   30,
			Liquidity:   big.NewInt(500),
			Amount0:     big.NewInt(0),
			Amount1:     big.NewInt(0),
			TokensOwed0: big.NewInt(0),
			TokensOwed1: big.NewInt(0),
			InRange:     false,
		},
	}
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, w.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(contents))
	require.Len(t, lines, 4) // header + 2 rows + trailing newline artifact
	assert.Contains(t, lines[1], "pos-1")
	assert.Contains(t, lines[2], "pos-2")
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
