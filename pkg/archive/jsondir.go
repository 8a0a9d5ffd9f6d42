package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
)

// JSONDirLoader reads the paginated JSON archive format of spec §6: a
// directory of files, each `{data: [{digest, timestampMs, checkpoint,
// events: [...]}]}`, possibly in ascending or descending chronological
// order per file. Parsing style (typed payload structs decoded from a
// type-discriminated raw event) follows the per-kind parse function shape
// of a real event-log reader, adapted from log-topic decoding to JSON
// field decoding.
type JSONDirLoader struct {
	dir string

	skippedFiles  int64
	skippedEvents int64
}

// NewJSONDirLoader returns a loader reading archive pages from dir.
func NewJSONDirLoader(dir string) *JSONDirLoader {
	return &JSONDirLoader{dir: dir}
}

// SkippedFiles returns the number of archive files skipped by the most
// recent Events call because they failed to read or parse (spec §7
// ArchiveParseError: skip file, continue).
func (l *JSONDirLoader) SkippedFiles() int64 { return l.skippedFiles }

// SkippedEvents returns the number of individual events skipped by the
// most recent Events call because their kind was not recognized (spec §7
// UnknownEventKind: skip event, continue).
func (l *JSONDirLoader) SkippedEvents() int64 { return l.skippedEvents }

type filePage struct {
	Data []pageEntry `json:"data"`
}

type pageEntry struct {
	Digest      string    `json:"digest"`
	TimestampMs int64     `json:"timestampMs"`
	Checkpoint  int64     `json:"checkpoint"`
	Events      []rawEvent `json:"events"`
}

type rawEvent struct {
	ID struct {
		TxDigest string `json:"txDigest"`
		EventSeq int64  `json:"eventSeq"`
	} `json:"id"`
	Type       string          `json:"type"`
	ParsedJSON json.RawMessage `json:"parsedJson"`
}

// Events reads every file in the loader's directory, normalizes per-file
// chronological order, filters by pool_id and the [start, end] window,
// sorts the combined result by (timestamp, tx_digest, event_seq), and
// returns a cursor over it.
func (l *JSONDirLoader) Events(ctx context.Context, poolID string, start, end int64) (EventIterator, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive dir %s: %v", clmerrors.ErrArchiveParseError, l.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	l.skippedFiles = 0
	l.skippedEvents = 0

	var collected []Event
	for _, name := range names {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := readPage(filepath.Join(l.dir, name))
		if err != nil {
			l.skippedFiles++
			continue
		}

		pageEvents, skipped, err := flattenPage(page, poolID)
		if err != nil {
			l.skippedFiles++
			continue
		}
		l.skippedEvents += skipped
		collected = append(collected, pageEvents...)
	}

	filtered := collected[:0]
	for _, ev := range collected {
		if ev.TimestampMs >= start && ev.TimestampMs <= end {
			filtered = append(filtered, ev)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		if a.TxDigest != b.TxDigest {
			return a.TxDigest < b.TxDigest
		}
		return a.EventSeq < b.EventSeq
	})

	return &sliceIterator{events: filtered, index: -1}, nil
}

func readPage(path string) (filePage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return filePage{}, fmt.Errorf("%w: reading %s: %v", clmerrors.ErrArchiveParseError, path, err)
	}
	var page filePage
	if err := json.Unmarshal(raw, &page); err != nil {
		return filePage{}, fmt.Errorf("%w: parsing %s: %v", clmerrors.ErrArchiveParseError, path, err)
	}
	return page, nil
}

// flattenPage normalizes a page's entries to ascending timestamp order
// (the archive may store either order per file) and parses every event
// matching poolID. An unrecognized event kind is skipped (spec §7
// UnknownEventKind: skip event, continue) and counted in the returned
// skip count; a malformed pool_id or payload fails the whole page, since
// that indicates the file itself is malformed rather than one stray event.
func flattenPage(page filePage, poolID string) ([]Event, int64, error) {
	entries := page.Data
	if isDescending(entries) {
		reverseEntries(entries)
	}

	var out []Event
	var skipped int64
	for _, entry := range entries {
		for _, raw := range entry.Events {
			kind := EventKind(raw.Type)
			if kind != KindSwap && kind != KindAddLiquidity && kind != KindRemoveLiquidity {
				skipped++
				continue
			}

			pid, err := extractPoolID(raw.ParsedJSON)
			if err != nil {
				return nil, 0, err
			}
			if pid != poolID {
				continue
			}

			event := Event{
				TimestampMs: entry.TimestampMs,
				TxDigest:    raw.ID.TxDigest,
				EventSeq:    raw.ID.EventSeq,
				PoolID:      pid,
				Kind:        kind,
			}

			switch kind {
			case KindSwap:
				payload, err := parseSwapPayload(raw.ParsedJSON)
				if err != nil {
					return nil, 0, err
				}
				event.Swap = payload
			case KindAddLiquidity, KindRemoveLiquidity:
				payload, err := parseLiquidityPayload(raw.ParsedJSON)
				if err != nil {
					return nil, 0, err
				}
				event.Liquidity = payload
			}

			out = append(out, event)
		}
	}
	return out, skipped, nil
}

func isDescending(entries []pageEntry) bool {
	return len(entries) >= 2 && entries[0].TimestampMs > entries[len(entries)-1].TimestampMs
}

func reverseEntries(entries []pageEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

type jsonEnvelope struct {
	PoolID string `json:"pool_id"`
}

func extractPoolID(raw json.RawMessage) (string, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: reading pool_id: %v", clmerrors.ErrArchiveParseError, err)
	}
	return env.PoolID, nil
}

type jsonSwap struct {
	SqrtPriceBeforeX96 string `json:"sqrtPriceBeforeX96"`
	SqrtPriceAfterX96  string `json:"sqrtPriceAfterX96"`
	AmountIn           string `json:"amountIn"`
	AmountOut          string `json:"amountOut"`
	ZeroForOne         bool   `json:"zeroForOne"`
	Fee                string `json:"fee"`
	ProtocolFee        string `json:"protocolFee"`
	ReserveAfter0      string `json:"reserveAfter0"`
	ReserveAfter1      string `json:"reserveAfter1"`
	TickAfter          int    `json:"tickAfter"`
	LiquidityAfter     string `json:"liquidityAfter"`
}

func parseSwapPayload(raw json.RawMessage) (*SwapPayload, error) {
	var js jsonSwap
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("%w: parsing swap payload: %v", clmerrors.ErrArchiveParseError, err)
	}
	var err error
	p := &SwapPayload{ZeroForOne: js.ZeroForOne, TickAfter: js.TickAfter}
	if p.SqrtPriceBeforeX96, err = parseBigInt(js.SqrtPriceBeforeX96); err != nil {
		return nil, err
	}
	if p.SqrtPriceAfterX96, err = parseBigInt(js.SqrtPriceAfterX96); err != nil {
		return nil, err
	}
	if p.AmountIn, err = parseBigInt(js.AmountIn); err != nil {
		return nil, err
	}
	if p.AmountOut, err = parseBigInt(js.AmountOut); err != nil {
		return nil, err
	}
	if p.Fee, err = parseBigInt(js.Fee); err != nil {
		return nil, err
	}
	if p.ProtocolFee, err = parseBigInt(js.ProtocolFee); err != nil {
		return nil, err
	}
	if p.Reserve0After, err = parseBigInt(js.ReserveAfter0); err != nil {
		return nil, err
	}
	if p.Reserve1After, err = parseBigInt(js.ReserveAfter1); err != nil {
		return nil, err
	}
	if p.LiquidityAfter, err = parseBigInt(js.LiquidityAfter); err != nil {
		return nil, err
	}
	return p, nil
}

type jsonLiquidity struct {
	TickLower      int    `json:"tickLower"`
	TickUpper      int    `json:"tickUpper"`
	LiquidityDelta string `json:"liquidityDelta"`
	ReserveAfter0  string `json:"reserveAfter0"`
	ReserveAfter1  string `json:"reserveAfter1"`
	LiquidityAfter string `json:"liquidityAfter"`
}

func parseLiquidityPayload(raw json.RawMessage) (*LiquidityPayload, error) {
	var js jsonLiquidity
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("%w: parsing liquidity payload: %v", clmerrors.ErrArchiveParseError, err)
	}
	var err error
	p := &LiquidityPayload{TickLower: js.TickLower, TickUpper: js.TickUpper}
	if p.LiquidityDelta, err = parseBigInt(js.LiquidityDelta); err != nil {
		return nil, err
	}
	if p.Reserve0After, err = parseBigInt(js.ReserveAfter0); err != nil {
		return nil, err
	}
	if p.Reserve1After, err = parseBigInt(js.ReserveAfter1); err != nil {
		return nil, err
	}
	if p.LiquidityAfter, err = parseBigInt(js.LiquidityAfter); err != nil {
		return nil, err
	}
	return p, nil
}

// parseBigInt decodes a decimal string into a big.Int; an empty string
// (field absent for this event kind) decodes to zero rather than erroring.
func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", clmerrors.ErrArchiveParseError, s)
	}
	return v, nil
}

// sliceIterator is the EventIterator returned by JSONDirLoader: the whole
// filtered, sorted result held in memory. Archives in this domain are
// bounded by a single backtest window, so this avoids the complexity of a
// true streaming parser without violating the "closed when exhausted"
// resource contract (Close is a no-op, nothing stays open).
type sliceIterator struct {
	events []Event
	index  int
}

func (it *sliceIterator) Next() bool {
	it.index++
	return it.index < len(it.events)
}

func (it *sliceIterator) Event() Event {
	return it.events[it.index]
}

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error { return nil }
