// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — strategy
// configuration, instance state, position and transaction records, and the
// event payloads pushed to dashboard subscribers. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// InstanceStatus is the lifecycle state of a strategy instance.
type InstanceStatus string

const (
	StatusInitialized InstanceStatus = "initialized" // created, never started
	StatusPreparing   InstanceStatus = "preparing"   // reading pool state, computing the band
	StatusRunning     InstanceStatus = "running"     // balancing, approving, minting
	StatusMonitoring  InstanceStatus = "monitoring"  // position live, tick watched
	StatusPaused      InstanceStatus = "paused"      // stopped by the user, resumable
	StatusCompleted   InstanceStatus = "completed"   // position gone without our exit path
	StatusExited      InstanceStatus = "exited"      // position closed via graceful or forced exit
	StatusError       InstanceStatus = "error"       // parked on a classified error, reset to clear
)

// Live reports whether a machine may currently be driving this instance.
func (s InstanceStatus) Live() bool {
	switch s {
	case StatusPreparing, StatusRunning, StatusMonitoring:
		return true
	}
	return false
}

// Terminal reports whether the instance has finished its lifecycle.
// Terminal instances can be reset or deleted but not started.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExited, StatusError:
		return true
	}
	return false
}

// Stage identifies a step of the instance pipeline.
type Stage string

const (
	StagePrepare Stage = "prepare" // slot0 reads, band derivation, amount sizing
	StageBalance Stage = "balance" // shortfall swaps and allowance approvals
	StageMint    Stage = "mint"    // position mint and receipt parsing
	StageMonitor Stage = "monitor" // tick polling against the band
	StageExit    Stage = "exit"    // decrease, collect, burn, remainder swap
)

// Percent returns the coarse progress value reported for a stage. The
// dashboard renders it as a progress bar; exact sub-stage movement rides the
// description text.
func (s Stage) Percent() int {
	switch s {
	case StagePrepare:
		return 10
	case StageBalance:
		return 35
	case StageMint:
		return 60
	case StageMonitor:
		return 80
	case StageExit:
		return 95
	default:
		return 0
	}
}

// TxKind labels a submitted on-chain transaction in the instance history.
type TxKind string

const (
	TxApprove   TxKind = "approve"
	TxMint      TxKind = "mint"
	TxDecrease  TxKind = "decrease"
	TxCollect   TxKind = "collect"
	TxBurn      TxKind = "burn"
	TxMulticall TxKind = "multicall"
	TxSwap      TxKind = "swap"
)

// ExitReason values recorded when a position is closed.
const (
	ExitReasonOutOfRange = "out-of-range-timeout" // monitor timeout elapsed out of band
	ExitReasonForced     = "force-exit"           // explicit user request
	ExitReasonRecovery   = "recovery-exit"        // recovered with an empty position left to collect
	ExitReasonExternal   = "external-close"       // position vanished outside our exit path
)

// TokenSide selects one side of a pool pair.
type TokenSide string

const (
	SideToken0 TokenSide = "token0"
	SideToken1 TokenSide = "token1"

	// SideExternal marks a base currency that is not a pool side; every
	// valuation for it goes through swap quotes or the valuation pool.
	SideExternal TokenSide = "external"
)

// ————————————————————————————————————————————————————————————————————————
// Strategy configuration
// ————————————————————————————————————————————————————————————————————————

// PoolConfig identifies the target pool. Token ordering and fee must match
// what the pool reports on-chain; prepare re-reads and verifies them.
type PoolConfig struct {
	Address common.Address `json:"address"`
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	Fee     int            `json:"fee"` // fee tier in hundredths of a bip (500 = 0.05%)
}

// StrategyConfig is the immutable per-instance configuration supplied at
// create time. Amounts are in the input token's human units; wei conversion
// happens once decimals are read from chain.
type StrategyConfig struct {
	Pool PoolConfig `json:"pool"`

	InputToken  common.Address  `json:"inputToken"`  // must equal token0 or token1
	InputAmount decimal.Decimal `json:"inputAmount"` // positive, human units

	LowerPercent float64 `json:"lowerPercent"` // signed band offset, e.g. -5
	UpperPercent float64 `json:"upperPercent"` // signed band offset, e.g. +5

	SwapSlippagePct float64 `json:"swapSlippagePct"` // aggregator slippage, (0, 1]
	LpSlippagePct   float64 `json:"lpSlippagePct"`   // base mint slippage before drift adjustment
	SwapBufferPct   float64 `json:"swapBufferPct"`   // extra bought over the shortfall

	MonitorInterval Duration `json:"monitorInterval"` // tick poll cadence, 0 = engine default
	MonitorTimeout  Duration `json:"monitorTimeout"`  // sustained out-of-band time before exit

	ExitToken    TokenSide `json:"exitToken,omitempty"`    // side to hold after exit, "" = base side
	BaseOverride string    `json:"baseOverride,omitempty"` // base currency symbol override
}

// Duration wraps time.Duration with JSON (de)serialization in Go duration
// syntax ("90s", "5m"), matching how the config file expresses timeouts.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ————————————————————————————————————————————————————————————————————————
// Market and position state
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is the pool view captured during prepare and refreshed
// before mint. Drift between two snapshots sizes the dynamic slippage and
// the gas-limit multiplier.
type MarketSnapshot struct {
	Tick         int      `json:"tick"`
	SqrtPriceX96 *big.Int `json:"sqrtPriceX96"`

	Decimals0 int    `json:"decimals0"`
	Decimals1 int    `json:"decimals1"`
	Symbol0   string `json:"symbol0"`
	Symbol1   string `json:"symbol1"`

	TickLower int `json:"tickLower"`
	TickUpper int `json:"tickUpper"`

	Amount0   *big.Int `json:"amount0"`   // required token0, wei
	Amount1   *big.Int `json:"amount1"`   // required token1, wei
	Liquidity *big.Int `json:"liquidity"` // L implied by the required amounts

	TakenAt time.Time `json:"takenAt"`
}

// Position is the live NFT position held by an instance. Liquidity reflects
// the last on-chain read, not a local projection.
type Position struct {
	TokenID   *big.Int `json:"tokenId"`
	TickLower int      `json:"tickLower"`
	TickUpper int      `json:"tickUpper"`
	Liquidity *big.Int `json:"liquidity"`
	Fee       int      `json:"fee"`

	// NeedsManualCheck is set when the tokenId came from a fallback source
	// (Transfer event or supply counter) rather than IncreaseLiquidity.
	NeedsManualCheck bool `json:"needsManualCheck,omitempty"`
}

// Progress is the stage indicator streamed to dashboard subscribers.
type Progress struct {
	Stage       Stage  `json:"stage"`
	Description string `json:"description"`
	Percent     int    `json:"percent"`
}

// ————————————————————————————————————————————————————————————————————————
// History records
// ————————————————————————————————————————————————————————————————————————

// TxRecord is one submitted transaction. Immutable once appended. GasCostBase
// is the gas fee converted into the instance's base currency at write time so
// P&L stays a pure function of the recorded history.
type TxRecord struct {
	Kind              TxKind          `json:"kind"`
	Hash              string          `json:"hash"`
	Block             uint64          `json:"block"`
	Success           bool            `json:"success"`
	GasUsed           uint64          `json:"gasUsed"`
	EffectiveGasPrice *big.Int        `json:"effectiveGasPrice"`
	GasCostBase       decimal.Decimal `json:"gasCostBase"`
	Detail            string          `json:"detail,omitempty"` // parsed return values, human-readable
	Timestamp         time.Time       `json:"timestamp"`
}

// GasCostWei returns gasUsed × effectiveGasPrice.
func (r TxRecord) GasCostWei() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

// SwapRecord is one aggregator swap. Base-currency legs are stamped at
// execution time from the quote so cost basis needs no later price lookups.
type SwapRecord struct {
	FromToken  common.Address  `json:"fromToken"`
	ToToken    common.Address  `json:"toToken"`
	FromSymbol string          `json:"fromSymbol"`
	ToSymbol   string          `json:"toSymbol"`
	AmountIn   *big.Int        `json:"amountIn"`  // wei of FromToken
	AmountOut  *big.Int        `json:"amountOut"` // wei of ToToken
	BaseIn     decimal.Decimal `json:"baseIn"`    // base-currency value of AmountIn
	BaseOut    decimal.Decimal `json:"baseOut"`   // base-currency value of AmountOut
	TxHash     string          `json:"txHash"`
	Timestamp  time.Time       `json:"timestamp"`
}

// LedgerKind tags one valuation row in an instance's cost ledger.
type LedgerKind string

const (
	LedgerDeposit  LedgerKind = "deposit"  // base value placed into the position
	LedgerWithdraw LedgerKind = "withdraw" // base value returned from the position
	LedgerSwap     LedgerKind = "swap"     // base leg of an aggregator swap
	LedgerCollect  LedgerKind = "collect"  // fee income on top of principal
	LedgerGas      LedgerKind = "gas"      // gas cost valued in base
)

// LedgerFlow gives the direction of a row relative to the wallet.
type LedgerFlow string

const (
	FlowIn  LedgerFlow = "in"  // cost: base left the wallet
	FlowOut LedgerFlow = "out" // return: base came back
)

// LedgerEntry is one row of the per-instance cost ledger. BaseValue is
// stamped at event time so profit is a pure function of the stored rows.
type LedgerEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      LedgerKind      `json:"kind"`
	Flow      LedgerFlow      `json:"flow"`
	Token     common.Address  `json:"token"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`    // raw leg in the token's human units
	BaseValue decimal.Decimal `json:"baseValue"` // valuation in the base currency
	Note      string          `json:"note,omitempty"`
}

// LifecycleRecord is the per-position P&L ledger appended when a position
// closes. It survives instance deletion so lifecycle reports stay complete.
type LifecycleRecord struct {
	LifecycleID string         `json:"lifecycleId"`
	InstanceID  string         `json:"instanceId"`
	Pool        common.Address `json:"pool"`
	BaseSymbol  string         `json:"baseSymbol"`

	OpenedAt time.Time `json:"openedAt"`
	ClosedAt time.Time `json:"closedAt"`

	TotalInBase  decimal.Decimal `json:"totalInBase"`
	TotalOutBase decimal.Decimal `json:"totalOutBase"`
	GasBase      decimal.Decimal `json:"gasBase"`
	NetProfit    decimal.Decimal `json:"netProfit"`

	ExitReason string `json:"exitReason"`
}

// ————————————————————————————————————————————————————————————————————————
// Instance record
// ————————————————————————————————————————————————————————————————————————

// BaseCurrency is the quote token P&L is reported in, resolved at create
// time from the recognized quote set or the config override.
type BaseCurrency struct {
	Symbol  string         `json:"symbol"`
	Address common.Address `json:"address"`
	Side    TokenSide      `json:"side,omitempty"` // set when the base is one pool side
}

// InstanceRecord is the full persisted document for one strategy instance:
// configuration, current state, and append-only histories. The store writes
// it atomically; the engine is its only writer while the instance is live.
type InstanceRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Config StrategyConfig `json:"config"`

	Status   InstanceStatus `json:"status"`
	Progress Progress       `json:"progress"`

	// Scenario 2 means exactly one pool side is a recognized quote token
	// (that side is the base); scenario 1 is a dual non-base pool.
	Scenario int          `json:"scenario"`
	Base     BaseCurrency `json:"base"`

	Snapshot *MarketSnapshot `json:"snapshot,omitempty"`
	Position *Position       `json:"position,omitempty"`

	OutOfRangeSince  *time.Time `json:"outOfRangeSince,omitempty"`
	RecoveryAttempts int        `json:"recoveryAttempts"`
	LastError        string     `json:"lastError,omitempty"`
	ErrorKind        string     `json:"errorKind,omitempty"`
	ExitReason       string     `json:"exitReason,omitempty"`
	PositionClosed   bool       `json:"positionClosed"` // position.closed already emitted

	Swaps  []SwapRecord  `json:"swaps"`
	Txs    []TxRecord    `json:"txs"`
	Ledger []LedgerEntry `json:"ledger,omitempty"`
}

// Clone returns a deep copy safe to hand to readers while a machine keeps
// mutating the original.
func (r *InstanceRecord) Clone() *InstanceRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Snapshot != nil {
		s := *r.Snapshot
		s.SqrtPriceX96 = cloneBig(r.Snapshot.SqrtPriceX96)
		s.Amount0 = cloneBig(r.Snapshot.Amount0)
		s.Amount1 = cloneBig(r.Snapshot.Amount1)
		s.Liquidity = cloneBig(r.Snapshot.Liquidity)
		cp.Snapshot = &s
	}
	if r.Position != nil {
		p := *r.Position
		p.TokenID = cloneBig(r.Position.TokenID)
		p.Liquidity = cloneBig(r.Position.Liquidity)
		cp.Position = &p
	}
	if r.OutOfRangeSince != nil {
		t := *r.OutOfRangeSince
		cp.OutOfRangeSince = &t
	}
	cp.Swaps = append([]SwapRecord(nil), r.Swaps...)
	cp.Txs = append([]TxRecord(nil), r.Txs...)
	cp.Ledger = append([]LedgerEntry(nil), r.Ledger...)
	return &cp
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ————————————————————————————————————————————————————————————————————————
// Force-exit result
// ————————————————————————————————————————————————————————————————————————

// ForceExitResult describes how far the exit path got. Partial results are
// returned alongside ForceExitTimedOut so the caller can see which sub-steps
// completed before the deadline.
type ForceExitResult struct {
	InstanceID string `json:"instanceId"`

	Decreased     bool `json:"decreased"`     // decreaseLiquidity confirmed
	Collected     bool `json:"collected"`     // collect confirmed
	Burned        bool `json:"burned"`        // NFT burned
	Swapped       bool `json:"swapped"`       // remainder converted to the exit token
	AlreadyClosed bool `json:"alreadyClosed,omitempty"`

	Amount0 *big.Int `json:"amount0,omitempty"` // token0 returned by decrease+collect
	Amount1 *big.Int `json:"amount1,omitempty"` // token1 returned by decrease+collect

	ExitReason string `json:"exitReason"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// Bus topic names. The strategy:* topics are forwarded verbatim to WebSocket
// subscribers; position.* and pnl.* drive the P&L projection.
const (
	TopicStrategyUpdate   = "strategy:update"
	TopicStrategyProgress = "strategy:progress"
	TopicStrategyList     = "strategy:list_update"
	TopicStrategyDeleted  = "strategy:deleted"
	TopicPositionCreated  = "position.created"
	TopicPositionClosed   = "position.closed"
	TopicPnLUpdated       = "pnl.updated"
)

// Event is the envelope published on the in-process bus and mirrored to
// dashboard WebSocket clients.
type Event struct {
	Topic      string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// PositionCreatedData is the payload of position.created.
type PositionCreatedData struct {
	TokenID   *big.Int `json:"tokenId"`
	Liquidity *big.Int `json:"liquidity"`
	Amount0   *big.Int `json:"amount0"`
	Amount1   *big.Int `json:"amount1"`
	TickLower int      `json:"tickLower"`
	TickUpper int      `json:"tickUpper"`
}

// PositionClosedData is the payload of position.closed. Amounts are the
// authoritative values parsed from the close receipt; zero for positions
// that were already empty.
type PositionClosedData struct {
	TokenID    *big.Int `json:"tokenId"`
	Amount0    *big.Int `json:"amount0"`
	Amount1    *big.Int `json:"amount1"`
	ExitReason string   `json:"exitReason"`
}

// ListUpdateData is the payload of strategy:list_update.
type ListUpdateData struct {
	InstanceID string         `json:"instanceId"`
	Status     InstanceStatus `json:"status"`
}

// DeletedData is the payload of strategy:deleted.
type DeletedData struct {
	InstanceID string `json:"instanceId"`
}

// TickObservation is streamed during monitoring so the dashboard can render
// a live in-range indicator.
type TickObservation struct {
	Tick       int        `json:"tick"`
	TickLower  int        `json:"tickLower"`
	TickUpper  int        `json:"tickUpper"`
	InRange    bool       `json:"inRange"`
	OutSince   *time.Time `json:"outSince,omitempty"`
	ObservedAt time.Time  `json:"observedAt"`
}
