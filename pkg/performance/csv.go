package performance

import (
	"encoding/csv"
	"os"
	"strconv"
)

// priceDecimalPlaces and pctDecimalPlaces fix the CSV's display precision
// per spec §6: price at ten decimals, percentages at four.
const (
	priceDecimalPlaces = 10
	pctDecimalPlaces   = 4
)

var fundHeader = []string{
	"timestampMs", "price", "tick", "cash0", "cash1", "sumAmount0", "sumAmount1",
	"feesOwed0", "feesOwed1", "collected0", "collected1", "actionCost0", "actionCost1",
	"portfolioValueToken1", "returnPct", "drawdownPct",
}

var positionHeader = []string{
	"timestampMs", "positionId", "tickLower", "tickUpper", "liquidity",
	"amount0", "amount1", "tokensOwed0", "tokensOwed1", "inRange",
}

// FundCSVWriter streams fund-level rows to a file, one sample per call to
// Write, flushing immediately so a crash mid-run leaves a readable partial
// file rather than buffered rows lost with the process.
type FundCSVWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewFundCSVWriter opens path, truncating any existing file, and writes the
// header row once.
func NewFundCSVWriter(path string) (*FundCSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(fundHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &FundCSVWriter{file: f, writer: w}, nil
}

// Write appends one fund-level row and flushes.
func (w *FundCSVWriter) Write(row FundRow) error {
	record := []string{
		strconv.FormatInt(row.TimestampMs, 10),
		row.Price.RoundedString(priceDecimalPlaces),
		strconv.Itoa(row.Tick),
		row.Cash0.String(),
		row.Cash1.String(),
		row.SumAmount0.String(),
		row.SumAmount1.String(),
		row.FeesOwed0.String(),
		row.FeesOwed1.String(),
		row.Collected0.String(),
		row.Collected1.String(),
		row.ActionCost0.String(),
		row.ActionCost1.String(),
		row.PortfolioValueToken1.RoundedString(priceDecimalPlaces),
		row.ReturnPct.RoundedString(pctDecimalPlaces),
		row.DrawdownPct.RoundedString(pctDecimalPlaces),
	}
	if err := w.writer.Write(record); err != nil {
		return err
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the underlying file.
func (w *FundCSVWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// PositionCSVWriter streams position-level rows the same way FundCSVWriter
// streams fund-level rows, keyed by (timestamp, position id).
type PositionCSVWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewPositionCSVWriter opens path, truncating any existing file, and writes
// the header row once.
func NewPositionCSVWriter(path string) (*PositionCSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(positionHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &PositionCSVWriter{file: f, writer: w}, nil
}

// WriteAll appends one row per position sampled at the same timestamp.
func (w *PositionCSVWriter) WriteAll(rows []PositionRow) error {
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.TimestampMs, 10),
			row.PositionID,
			strconv.Itoa(row.TickLower),
			strconv.Itoa(row.TickUpper),
			row.Liquidity.String(),
			row.Amount0.String(),
			row.Amount1.String(),
			row.TokensOwed0.String(),
			row.TokensOwed1.String(),
			strconv.FormatBool(row.InRange),
		}
		if err := w.writer.Write(record); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the underlying file.
func (w *PositionCSVWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
