// Command backtest wires a YAML config into an archive loader, pool,
// position manager, and replay driver, and runs one backtest to
// completion. It carries no strategy logic of its own; the default wiring
// below uses pkg/strategies/hold, a single-position hold-and-close
// reference strategy.
package main

import (
	"context"
	"flag"
	"log"
	"math/big"

	core "github.com/daoleno/uniswap-sdk-core/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/clmreplay/backtest-engine/pkg/archive"
	"github.com/clmreplay/backtest-engine/pkg/backtest"
	"github.com/clmreplay/backtest-engine/pkg/config"
	"github.com/clmreplay/backtest-engine/pkg/manager"
	"github.com/clmreplay/backtest-engine/pkg/pool"
	"github.com/clmreplay/backtest-engine/pkg/snapshotstore"
	"github.com/clmreplay/backtest-engine/pkg/strategies/hold"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the backtest config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := logrus.New()

	p, err := pool.New(pool.Config{
		Token0:      core.NewToken(cfg.Pool.ChainID, common.HexToAddress(cfg.Pool.Token0), cfg.Pool.Decimals0, cfg.Pool.Symbol0, cfg.Pool.Symbol0),
		Token1:      core.NewToken(cfg.Pool.ChainID, common.HexToAddress(cfg.Pool.Token1), cfg.Pool.Decimals1, cfg.Pool.Symbol1, cfg.Pool.Symbol1),
		FeePpm:      cfg.Pool.FeePpm,
		TickSpacing: cfg.Pool.TickSpacing,
	})
	if err != nil {
		log.Fatalf("configuring pool: %v", err)
	}
	if !cfg.Replay.SeedFromArchive {
		sqrtPrice, ok := new(big.Int).SetString(cfg.Pool.InitialSqrtPriceX96, 10)
		if !ok {
			log.Fatalf("invalid Pool.InitialSqrtPriceX96: %q", cfg.Pool.InitialSqrtPriceX96)
		}
		if err := p.Initialize(sqrtPrice); err != nil {
			log.Fatalf("initializing pool: %v", err)
		}
	}

	loader := archive.NewJSONDirLoader(cfg.Archive.Dir)

	cash0, ok := new(big.Int).SetString(cfg.Manager.InitialCash0, 10)
	if !ok {
		log.Fatalf("invalid Manager.InitialCash0: %q", cfg.Manager.InitialCash0)
	}
	cash1, ok := new(big.Int).SetString(cfg.Manager.InitialCash1, 10)
	if !ok {
		log.Fatalf("invalid Manager.InitialCash1: %q", cfg.Manager.InitialCash1)
	}
	mgr := manager.New(p, cash0, cash1)

	strat := hold.New(-cfg.Pool.TickSpacing*5, cfg.Pool.TickSpacing*5, cash0, cash1)

	var checkpointer backtest.Checkpointer
	if cfg.Checkpoint.DBPath != "" {
		store, err := snapshotstore.Open(cfg.Checkpoint.DBPath, cfg.Checkpoint.RunID)
		if err != nil {
			log.Fatalf("opening checkpoint store: %v", err)
		}
		defer store.Close()
		checkpointer = store
	}

	driverCfg := backtest.Config{
		PoolID:               cfg.Pool.ID,
		StartMs:              cfg.Replay.StartMs,
		EndMs:                cfg.Replay.EndMs,
		StepMs:               cfg.Replay.StepMs,
		SnapshotIntervalMs:   cfg.Replay.SnapshotIntervalMs,
		CheckpointIntervalMs: cfg.Replay.CheckpointIntervalMs,
		SeedFromArchive:      cfg.Replay.SeedFromArchive,
		FundCSVPath:          cfg.Output.FundCSVPath,
		PositionCSVPath:      cfg.Output.PositionCSVPath,
		ReportPath:           cfg.Output.ReportPath,
	}

	driver, err := backtest.New(driverCfg, loader, p, mgr, strat, logger, checkpointer)
	if err != nil {
		log.Fatalf("constructing driver: %v", err)
	}

	result, err := driver.Run(context.Background())
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"finalValueToken1":    result.Report.FinalValueToken1,
		"returnPct":           result.Report.ReturnPct,
		"maxDrawdownPct":      result.Report.MaxDrawdownPct,
		"totalSwaps":          result.Validation.TotalSwaps,
		"amountOutMismatches": result.Validation.AmountOutMismatches,
	}).Info("backtest complete")
}
