// Package engine is the central orchestrator of the liquidity bot.
//
// It owns every strategy instance and drives each through the pipeline:
//
//  1. Create validates the strategy config, classifies the base currency,
//     and persists an Initialized record.
//  2. StartInstance spawns one machine goroutine per instance (at most one
//     per id) which walks prepare → balance → mint → monitor.
//  3. Stop cancels the machine at its next checkpoint and parks the
//     instance in Paused; StartInstance later resumes monitoring when a
//     position exists.
//  4. ForceExit is the privileged close path: decrease, collect, burn,
//     remainder swap, all under a deadline, idempotent across callers.
//  5. At startup recoverAll re-adopts instances whose process died mid-run.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Close()
package engine

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/Nazkun-hub/pancake-sub000/internal/aggregator"
	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/pnl"
	"github.com/Nazkun-hub/pancake-sub000/internal/store"
	"github.com/Nazkun-hub/pancake-sub000/internal/univ3"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// ChainClient is the on-chain surface the engine drives. *chain.Client
// satisfies it; tests substitute a scripted double.
type ChainClient interface {
	Address() common.Address
	PositionManager() common.Address
	Slot0(ctx context.Context, pool common.Address) (*chain.Slot0Result, error)
	PoolImmutables(ctx context.Context, pool common.Address) (*chain.PoolMeta, error)
	VerifyPool(ctx context.Context, meta chain.PoolMeta) error
	Decimals(ctx context.Context, token common.Address) (int, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	BalanceOf(ctx context.Context, token common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)
	ApproveMax(ctx context.Context, token, spender common.Address, gasPrice *big.Int) (*ethtypes.Receipt, error)
	MintPosition(ctx context.Context, p chain.MintParams) (*chain.MintResult, error)
	PositionAt(ctx context.Context, tokenID *big.Int) (*chain.PositionState, error)
	OwnedPositions(ctx context.Context, owner common.Address, limit int) ([]*chain.PositionState, error)
	ExitPosition(ctx context.Context, p chain.ExitParams) (*chain.ExitResult, error)
}

// SwapRouter prices and executes aggregator swaps.
type SwapRouter interface {
	Quote(ctx context.Context, from, to common.Address, amountIn *big.Int) (*aggregator.QuoteResult, error)
	Swap(ctx context.Context, q *aggregator.QuoteResult, slippagePct float64) (*aggregator.SwapOutcome, error)
}

// GasOracle prices transaction submits.
type GasOracle interface {
	CurrentGwei(ctx context.Context) float64
	EffectiveWei(ctx context.Context) *big.Int
}

// slot is one managed instance. rec is guarded by mu; every mutation hits
// the store before the next pipeline step runs. opMu serializes control
// operations (start/stop/reset/delete/force-exit) so interleaved API calls
// see whole transitions. exitMu serializes the close path between a
// machine-initiated exit and a concurrent force-exit call. Lock order is
// opMu → mu; the machine goroutine never takes opMu.
type slot struct {
	id string

	mu  sync.Mutex
	rec *types.InstanceRecord

	opMu   sync.Mutex
	exitMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Engine is the scheduler owning all strategy instances.
type Engine struct {
	cfg     *config.Config
	chain   ChainClient
	router  SwapRouter
	gas     GasOracle
	store   *store.Store
	bus     *bus.Bus
	tracker *pnl.Tracker
	valuer  *valuer
	logger  *slog.Logger

	// slots maps instance id → managed slot. Protected by slotsMu.
	slots   map[string]*slot
	slotsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the scheduler. Collaborators are constructed by the caller and
// injected; the engine owns only the instance set and its goroutines.
func New(cfg *config.Config, chainClient ChainClient, router SwapRouter, gasOracle GasOracle,
	st *store.Store, eventBus *bus.Bus, tracker *pnl.Tracker, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		chain:   chainClient,
		router:  router,
		gas:     gasOracle,
		store:   st,
		bus:     eventBus,
		tracker: tracker,
		valuer:  newValuer(cfg.PnL, chainClient, router, logger),
		logger:  logger.With("component", "engine"),
		slots:   make(map[string]*slot),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads persisted instances into the slot table and recovers the ones
// that were live when the previous process died.
func (e *Engine) Start(ctx context.Context) error {
	recs, err := e.store.ListInstances()
	if err != nil {
		return err
	}
	e.slotsMu.Lock()
	for _, rec := range recs {
		e.slots[rec.ID] = &slot{id: rec.ID, rec: rec}
	}
	e.slotsMu.Unlock()
	e.logger.Info("instances loaded", "count", len(recs))

	return e.recoverAll(ctx)
}

// Close stops every machine and waits for them to wind down.
func (e *Engine) Close() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Control API
// ————————————————————————————————————————————————————————————————————————

// Create validates the config, classifies the base currency and persists a
// new Initialized instance.
func (e *Engine) Create(cfg types.StrategyConfig) (*types.InstanceRecord, error) {
	if err := validateStrategy(cfg); err != nil {
		return nil, err
	}
	base, scenario, err := e.tracker.ResolveBase(cfg.Pool.Token0, cfg.Pool.Token1, cfg.BaseOverride)
	if err != nil {
		return nil, err
	}

	rec := &types.InstanceRecord{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Config:    cfg,
		Status:    types.StatusInitialized,
		Scenario:  scenario,
		Base:      base,
		Swaps:     []types.SwapRecord{},
		Txs:       []types.TxRecord{},
	}
	if err := e.store.SaveInstance(rec); err != nil {
		return nil, err
	}

	s := &slot{id: rec.ID, rec: rec}
	e.slotsMu.Lock()
	e.slots[rec.ID] = s
	e.slotsMu.Unlock()

	e.logger.Info("instance created",
		"instance", rec.ID,
		"pool", cfg.Pool.Address.Hex(),
		"base", base.Symbol,
		"scenario", scenario,
	)
	e.publishList(rec)
	return rec.Clone(), nil
}

// StartInstance launches the machine for an instance. Paused instances
// holding a position resume monitoring; everything else runs the pipeline
// from prepare.
func (e *Engine) StartInstance(id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	status := s.rec.Status
	switch status {
	case types.StatusInitialized, types.StatusPaused:
	default:
		s.mu.Unlock()
		return types.NewFault(types.KindInstanceBusy, "cannot start instance in status %s", status)
	}
	resume := status == types.StatusPaused && s.rec.Position != nil && !s.rec.PositionClosed
	if resume {
		s.rec.Status = types.StatusMonitoring
	} else {
		s.rec.Status = types.StatusPreparing
	}
	rec := s.rec.Clone()
	s.mu.Unlock()

	if err := e.store.SaveInstance(rec); err != nil {
		return err
	}
	e.launch(s, resume)
	e.logger.Info("instance started", "instance", id, "resume", resume)
	e.publishUpdate(rec)
	e.publishList(rec)
	return nil
}

// Stop cancels a live machine and parks the instance in Paused. The
// machine gets a grace window to reach a checkpoint; a minted position
// stays open and is resumed by a later StartInstance.
func (e *Engine) Stop(id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.rec.Status.Live() {
		status := s.rec.Status
		s.mu.Unlock()
		return types.NewFault(types.KindInstanceBusy, "cannot stop instance in status %s", status)
	}
	s.mu.Unlock()

	e.haltMachine(s)

	s.mu.Lock()
	if !s.rec.Status.Terminal() && s.rec.Status != types.StatusError {
		s.rec.Status = types.StatusPaused
	}
	rec := s.rec.Clone()
	s.mu.Unlock()

	if err := e.store.SaveInstance(rec); err != nil {
		return err
	}
	e.logger.Info("instance stopped", "instance", id, "status", rec.Status)
	e.publishUpdate(rec)
	e.publishList(rec)
	return nil
}

// Reset clears a halted instance back to Initialized for a fresh run. An
// instance still holding a position must be force-exited first. Closed
// lifecycles are already archived by the tracker, so the per-run histories
// are dropped rather than double counted on the next run.
func (e *Engine) Reset(id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.rec.Status.Live() {
		status := s.rec.Status
		s.mu.Unlock()
		return types.NewFault(types.KindInstanceBusy, "cannot reset instance in status %s", status)
	}
	if s.rec.Position != nil && !s.rec.PositionClosed {
		s.mu.Unlock()
		return types.NewFault(types.KindInstanceBusy, "instance %s still holds position %s, force-exit first",
			id, s.rec.Position.TokenID)
	}
	s.rec.Status = types.StatusInitialized
	s.rec.Progress = types.Progress{}
	s.rec.Snapshot = nil
	s.rec.Position = nil
	s.rec.OutOfRangeSince = nil
	s.rec.RecoveryAttempts = 0
	s.rec.LastError = ""
	s.rec.ErrorKind = ""
	s.rec.ExitReason = ""
	s.rec.PositionClosed = false
	s.rec.Swaps = []types.SwapRecord{}
	s.rec.Txs = []types.TxRecord{}
	s.rec.Ledger = nil
	rec := s.rec.Clone()
	s.mu.Unlock()

	if err := e.store.SaveInstance(rec); err != nil {
		return err
	}
	e.logger.Info("instance reset", "instance", id)
	e.publishUpdate(rec)
	e.publishList(rec)
	return nil
}

// Delete removes a non-live instance from the store and the slot table.
func (e *Engine) Delete(id string) error {
	s, err := e.slot(id)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.rec.Status.Live() {
		status := s.rec.Status
		s.mu.Unlock()
		return types.NewFault(types.KindInstanceBusy, "cannot delete instance in status %s", status)
	}
	s.mu.Unlock()

	if err := e.store.DeleteInstance(id); err != nil {
		return err
	}
	e.slotsMu.Lock()
	delete(e.slots, id)
	e.slotsMu.Unlock()

	e.logger.Info("instance deleted", "instance", id)
	e.bus.Publish(types.Event{
		Topic:      types.TopicStrategyDeleted,
		InstanceID: id,
		Data:       types.DeletedData{InstanceID: id},
	})
	return nil
}

// ForceExit halts the machine and closes the position under the configured
// deadline. A second call on an already-closed position reports success
// without touching the chain.
func (e *Engine) ForceExit(id string) (*types.ForceExitResult, error) {
	s, err := e.slot(id)
	if err != nil {
		return nil, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	e.haltMachine(s)

	// Detached context: the close must not die with the caller's request.
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ForceExitDeadline)
	defer cancel()
	return e.executeForceExit(ctx, s, types.ExitReasonForced)
}

// Get returns a consistent snapshot of one instance.
func (e *Engine) Get(id string) (*types.InstanceRecord, error) {
	s, err := e.slot(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone(), nil
}

// List returns snapshots of every instance, oldest first.
func (e *Engine) List() []*types.InstanceRecord {
	e.slotsMu.RLock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.slotsMu.RUnlock()

	out := make([]*types.InstanceRecord, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.rec.Clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Machine lifecycle
// ————————————————————————————————————————————————————————————————————————

// launch starts the machine goroutine for a slot. Callers hold opMu, so at
// most one machine per id is ever running.
func (e *Engine) launch(s *slot, resume bool) {
	ctx, cancel := context.WithCancel(e.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	m := &machine{
		eng: e,
		s:   s,
		log: e.logger.With("instance", s.id),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(s.done)
		m.run(ctx, resume)
	}()
}

// haltMachine cancels a running machine and waits for it to reach a
// checkpoint, bounded by the stop grace window.
func (e *Engine) haltMachine(s *slot) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(e.cfg.Engine.StopGrace):
		e.logger.Warn("machine missed stop grace window", "instance", s.id)
	}
	s.cancel = nil
	s.done = nil
}

func (e *Engine) slot(id string) (*slot, error) {
	e.slotsMu.RLock()
	s, ok := e.slots[id]
	e.slotsMu.RUnlock()
	if !ok {
		return nil, types.NewFault(types.KindNotFound, "instance %s not found", id)
	}
	return s, nil
}

// ————————————————————————————————————————————————————————————————————————
// Event publication
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) publishUpdate(rec *types.InstanceRecord) {
	e.bus.Publish(types.Event{
		Topic:      types.TopicStrategyUpdate,
		InstanceID: rec.ID,
		Data:       rec,
	})
}

func (e *Engine) publishList(rec *types.InstanceRecord) {
	e.bus.Publish(types.Event{
		Topic:      types.TopicStrategyList,
		InstanceID: rec.ID,
		Data:       types.ListUpdateData{InstanceID: rec.ID, Status: rec.Status},
	})
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

func validateStrategy(cfg types.StrategyConfig) error {
	zero := common.Address{}
	if cfg.Pool.Address == zero || cfg.Pool.Token0 == zero || cfg.Pool.Token1 == zero {
		return types.NewFault(types.KindInvalidConfig, "pool, token0 and token1 addresses are required")
	}
	if cfg.Pool.Token0.Big().Cmp(cfg.Pool.Token1.Big()) >= 0 {
		return types.NewFault(types.KindInvalidConfig, "token0 %s must sort below token1 %s",
			cfg.Pool.Token0.Hex(), cfg.Pool.Token1.Hex())
	}
	if _, err := univ3.SpacingForFee(cfg.Pool.Fee); err != nil {
		return types.WrapFault(types.KindInvalidConfig, err, "fee tier %d", cfg.Pool.Fee)
	}
	if cfg.InputToken != cfg.Pool.Token0 && cfg.InputToken != cfg.Pool.Token1 {
		return types.NewFault(types.KindInvalidConfig, "input token %s is not a pool side", cfg.InputToken.Hex())
	}
	if !cfg.InputAmount.IsPositive() {
		return types.NewFault(types.KindInvalidConfig, "input amount must be positive, got %s", cfg.InputAmount)
	}
	if cfg.LowerPercent >= cfg.UpperPercent {
		return types.NewFault(types.KindInvalidTickRange, "lower percent %.4f must be below upper percent %.4f",
			cfg.LowerPercent, cfg.UpperPercent)
	}
	if cfg.SwapSlippagePct <= 0 || cfg.SwapSlippagePct > 1 {
		return types.NewFault(types.KindInvalidConfig, "swap slippage %.4f%% outside (0, 1]", cfg.SwapSlippagePct)
	}
	if cfg.LpSlippagePct <= 0 || cfg.LpSlippagePct > maxLpSlippagePct {
		return types.NewFault(types.KindInvalidConfig, "lp slippage %.4f%% outside (0, %.1f]",
			cfg.LpSlippagePct, maxLpSlippagePct)
	}
	if cfg.SwapBufferPct < 0 || cfg.SwapBufferPct > 50 {
		return types.NewFault(types.KindInvalidConfig, "swap buffer %.4f%% outside [0, 50]", cfg.SwapBufferPct)
	}
	if cfg.MonitorTimeout.Std() <= 0 {
		return types.NewFault(types.KindInvalidConfig, "monitor timeout must be positive")
	}
	switch cfg.ExitToken {
	case "", types.SideToken0, types.SideToken1:
	default:
		return types.NewFault(types.KindInvalidConfig, "exit token %q must be token0, token1 or empty", cfg.ExitToken)
	}
	return nil
}
