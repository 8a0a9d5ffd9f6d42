// Package clmerrors holds the error taxonomy shared by the pool engine,
// position manager, and replay driver. Fatal errors abort a run; recoverable
// ones are logged or counted by the caller and the run continues.
package clmerrors

import (
	"errors"
	"fmt"
)

// Fatal errors. An implementation encountering one of these must abort the
// run with a structured message carrying the current timestamp, step index,
// and relevant entity ids (added via fmt.Errorf("...: %w", ...) wrapping at
// the call site, not by this package).
var (
	ErrMathOverflow       = errors.New("math overflow")
	ErrInvalidRange       = errors.New("invalid tick range")
	ErrInvalidTickSpacing = errors.New("invalid tick spacing")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrPositionNotFound   = errors.New("position not found")
	ErrConfigError        = errors.New("config error")
	ErrNoLiquidity        = errors.New("no liquidity")
)

// Recoverable errors. Callers log and continue rather than abort.
var (
	ErrUnknownEventKind   = errors.New("unknown event kind")
	ErrArchiveParseError  = errors.New("archive parse error")
	ErrSnapshotWrite      = errors.New("snapshot write failed")
	ErrValidationMismatch = errors.New("pool validation mismatch")
)

// StrategyError wraps an error raised by a strategy hook with the
// originating timestamp and step index, per the propagation policy: any
// strategy hook error is fatal for the run.
type StrategyError struct {
	Hook        string
	TimestampMs int64
	StepIndex   int64
	Err         error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy hook %s failed at step %d (t=%dms): %s",
		e.Hook, e.StepIndex, e.TimestampMs, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }
