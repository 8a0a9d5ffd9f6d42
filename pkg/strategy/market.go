package strategy

import (
	"math/big"

	core "github.com/daoleno/uniswap-sdk-core/entities"
	"github.com/daoleno/uniswapv3-sdk/constants"

	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
	"github.com/clmreplay/backtest-engine/pkg/manager"
	"github.com/clmreplay/backtest-engine/pkg/pool"
)

// PoolView is the read-only capability a strategy is given over the pool:
// exactly pool.Pool's accessor set, with no swap or liquidity-delta
// methods reachable through it. A strategy that needs to move the pool
// does so indirectly, through the manager's create/resize/close/swap
// operations, never by mutating the pool itself.
type PoolView interface {
	Config() pool.Config
	Token0() *core.Token
	Token1() *core.Token
	SqrtPriceX96() *big.Int
	TickCurrent() int
	Liquidity() *big.Int
	Reserve0() *big.Int
	Reserve1() *big.Int
	FeeGrowthGlobal0() fixedpoint.FeeGrowth
	FeeGrowthGlobal1() fixedpoint.FeeGrowth
	TickInfo(tick int) *pool.TickInfo
	FeeTier() constants.FeeAmount
	FeeGrowthInside(tickLower, tickUpper int) (fixedpoint.FeeGrowth, fixedpoint.FeeGrowth, error)
}

// Context is the capability handle passed to every strategy hook: a
// read-only pool view, full access to the position manager (the only
// sanctioned mutation path), and the current point in replay time.
type Context struct {
	pool        PoolView
	manager     *manager.PositionManager
	timestampMs int64
	stepIndex   int64
}

// NewContext constructs a hook context for one replay step.
func NewContext(p PoolView, m *manager.PositionManager, timestampMs, stepIndex int64) Context {
	return Context{pool: p, manager: m, timestampMs: timestampMs, stepIndex: stepIndex}
}

// Pool returns the read-only pool view.
func (c Context) Pool() PoolView { return c.pool }

// Manager returns the position manager.
func (c Context) Manager() *manager.PositionManager { return c.manager }

// Now returns the current replay timestamp in milliseconds.
func (c Context) Now() int64 { return c.timestampMs }

// Step returns the current clock-step index, for logging and determinism
// diagnostics.
func (c Context) Step() int64 { return c.stepIndex }
