// Package snapshotstore persists periodic backtest.Snapshot checkpoints to
// a SQLite-backed gorm model, so a long run's progress survives a crash and
// can be inspected without re-running the replay. Adapted from
// hoanguyenkh-uniswap-v3-simulator's CorePool.Flush create-or-update shape
// and its TokenPositionManager JSON-blob column convention.
package snapshotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/clmreplay/backtest-engine/pkg/backtest"
)

// Checkpoint is the gorm-mapped row for one Snapshot, keyed by
// (RunID, PoolID, TimestampMs). Mirrors CorePool's flat-field,
// create-or-update shape rather than a normalized position table, since a
// checkpoint is read back whole, never queried by position id.
type Checkpoint struct {
	gorm.Model
	RunID       string `gorm:"uniqueIndex:idx_run_pool_ts"`
	PoolID      string `gorm:"uniqueIndex:idx_run_pool_ts"`
	TimestampMs int64  `gorm:"uniqueIndex:idx_run_pool_ts"`

	SqrtPriceX96 string
	TickCurrent  int
	Liquidity    string
	Reserve0     string
	Reserve1     string

	Cash0          string
	Cash1          string
	CollectedFees0 string
	CollectedFees1 string
	ActionCost0    string
	ActionCost1    string

	PositionsJSON  string
	ValidationJSON string
}

// Store persists backtest.Snapshot checkpoints. It implements
// backtest.Checkpointer by structural typing; pkg/backtest never imports
// gorm or sqlite.
type Store struct {
	db    *gorm.DB
	runID string
}

// Open opens (creating if absent) a SQLite database at path and migrates
// the checkpoint table, using the teacher's own pure-Go sqlite driver
// choice (glebarez/sqlite) rather than cgo-based drivers.
func Open(path, runID string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("migrating snapshot store: %w", err)
	}
	return &Store{db: db, runID: runID}, nil
}

// SaveCheckpoint writes one row, updating in place if a checkpoint already
// exists for this run/pool/timestamp (a re-run that resumes from the same
// point overwrites rather than accumulating duplicates).
func (s *Store) SaveCheckpoint(ctx context.Context, snap backtest.Snapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("marshaling positions: %w", err)
	}
	validation, err := json.Marshal(snap.Validation)
	if err != nil {
		return fmt.Errorf("marshaling validation summary: %w", err)
	}

	attrs := map[string]interface{}{
		"run_id":           s.runID,
		"pool_id":          snap.PoolID,
		"timestamp_ms":     snap.TimestampMs,
		"sqrt_price_x96":   stringOrZero(snap.SqrtPriceX96),
		"tick_current":     snap.TickCurrent,
		"liquidity":        stringOrZero(snap.Liquidity),
		"reserve0":         stringOrZero(snap.Reserve0),
		"reserve1":         stringOrZero(snap.Reserve1),
		"cash0":            stringOrZero(snap.Cash0),
		"cash1":            stringOrZero(snap.Cash1),
		"collected_fees0":  stringOrZero(snap.CollectedFees0),
		"collected_fees1":  stringOrZero(snap.CollectedFees1),
		"action_cost0":     stringOrZero(snap.ActionCost0),
		"action_cost1":     stringOrZero(snap.ActionCost1),
		"positions_json":   string(positions),
		"validation_json":  string(validation),
	}

	// a map, not a Checkpoint{...} struct, is used for both the condition
	// and the assignment: gorm's struct-based Where/Assign silently skip
	// zero-valued fields, which would drop the timestamp condition (and
	// the tick_current assignment) on a clock-0 checkpoint.
	return s.db.WithContext(ctx).
		Where("run_id = ? AND pool_id = ? AND timestamp_ms = ?", s.runID, snap.PoolID, snap.TimestampMs).
		Assign(attrs).
		FirstOrCreate(&Checkpoint{}).Error
}

// Latest returns the most recently timestamped checkpoint for a run/pool,
// for resume tooling. ok is false if none exists.
func (s *Store) Latest(ctx context.Context, runID, poolID string) (row Checkpoint, ok bool, err error) {
	result := s.db.WithContext(ctx).
		Where("run_id = ? AND pool_id = ?", runID, poolID).
		Order("timestamp_ms DESC").
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Checkpoint{}, false, nil
	}
	if result.Error != nil {
		return Checkpoint{}, false, result.Error
	}
	return row, true, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func stringOrZero(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
