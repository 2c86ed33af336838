package engine

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/internal/aggregator"
	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/pnl"
	"github.com/Nazkun-hub/pancake-sub000/internal/store"
	"github.com/Nazkun-hub/pancake-sub000/internal/univ3"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const (
	cakeAddr  = "0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82"
	usdtAddr  = "0x55d398326f99059fF775485246999027B3197955"
	wbnbAddr  = "0xbb4CdB9CBd36B01bD1cBaEF60aF814a3f6F0Ee75"
	poolAddr  = "0x133B3D95bAD5405d14d53473671200e9342896BF"
	pmAddr    = "0x46A15B0b27311cedF172AB29E4f4766fbE7F4364"
	ownerAddr = "0x1111111111111111111111111111111111111111"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// wei converts a human token amount into 18-decimal wei for fixtures.
func wei(human string) *big.Int {
	return decimal.RequireFromString(human).Shift(18).BigInt()
}

func receipt(hash string) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		TxHash:            common.HexToHash(hash),
		Status:            ethtypes.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(100),
		GasUsed:           210000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scripted collaborators
// ————————————————————————————————————————————————————————————————————————

// fakeChain is a scripted ChainClient. Unset function fields fall back to a
// solvent wallet over a healthy CAKE/USDT pool at the configured tick.
type fakeChain struct {
	mu sync.Mutex

	tick int

	verifyFn    func(meta chain.PoolMeta) error
	slot0Fn     func(pool common.Address) (*chain.Slot0Result, error)
	poolMetaFn  func(pool common.Address) (*chain.PoolMeta, error)
	balanceFn   func(token common.Address) (*big.Int, error)
	allowanceFn func(token common.Address) (*big.Int, error)
	mintFn      func(p chain.MintParams) (*chain.MintResult, error)
	positionFn  func(tokenID *big.Int) (*chain.PositionState, error)
	ownedFn     func() ([]*chain.PositionState, error)
	exitFn      func(p chain.ExitParams) (*chain.ExitResult, error)

	// minted is the state registered by the default MintPosition, served
	// back by the default PositionAt.
	minted *chain.PositionState

	decimalsCalls int
	approveCalls  int
	mintCalls     int
	exitCalls     int
	lastExit      chain.ExitParams
}

func newFakeChain() *fakeChain { return &fakeChain{tick: 100} }

func (f *fakeChain) setTick(tick int) {
	f.mu.Lock()
	f.tick = tick
	f.mu.Unlock()
}

func (f *fakeChain) Address() common.Address         { return common.HexToAddress(ownerAddr) }
func (f *fakeChain) PositionManager() common.Address { return common.HexToAddress(pmAddr) }

func (f *fakeChain) VerifyPool(_ context.Context, meta chain.PoolMeta) error {
	f.mu.Lock()
	fn := f.verifyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(meta)
	}
	return nil
}

func (f *fakeChain) Slot0(_ context.Context, pool common.Address) (*chain.Slot0Result, error) {
	f.mu.Lock()
	fn, tick := f.slot0Fn, f.tick
	f.mu.Unlock()
	if fn != nil {
		return fn(pool)
	}
	sqrt, err := univ3.SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	return &chain.Slot0Result{SqrtPriceX96: sqrt, Tick: tick}, nil
}

func (f *fakeChain) PoolImmutables(_ context.Context, pool common.Address) (*chain.PoolMeta, error) {
	f.mu.Lock()
	fn := f.poolMetaFn
	f.mu.Unlock()
	if fn != nil {
		return fn(pool)
	}
	return &chain.PoolMeta{
		Address: pool,
		Token0:  common.HexToAddress(usdtAddr),
		Token1:  common.HexToAddress(wbnbAddr),
		Fee:     500,
	}, nil
}

func (f *fakeChain) Decimals(_ context.Context, _ common.Address) (int, error) {
	f.mu.Lock()
	f.decimalsCalls++
	f.mu.Unlock()
	return 18, nil
}

func (f *fakeChain) Symbol(_ context.Context, token common.Address) (string, error) {
	switch token {
	case common.HexToAddress(cakeAddr):
		return "CAKE", nil
	case common.HexToAddress(usdtAddr):
		return "USDT", nil
	case common.HexToAddress(wbnbAddr):
		return "WBNB", nil
	}
	return "TOKEN", nil
}

func (f *fakeChain) BalanceOf(_ context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	fn := f.balanceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(token)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil), nil
}

func (f *fakeChain) Allowance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	fn := f.allowanceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(token)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(40), nil), nil
}

func (f *fakeChain) ApproveMax(_ context.Context, _, _ common.Address, _ *big.Int) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	f.approveCalls++
	f.mu.Unlock()
	return receipt("0x0a"), nil
}

func (f *fakeChain) MintPosition(_ context.Context, p chain.MintParams) (*chain.MintResult, error) {
	f.mu.Lock()
	f.mintCalls++
	fn := f.mintFn
	f.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	liq := big.NewInt(1_000_000_000_000_000)
	state := &chain.PositionState{
		TokenID:     big.NewInt(7),
		Token0:      p.Pool.Token0,
		Token1:      p.Pool.Token1,
		Fee:         p.Pool.Fee,
		TickLower:   p.TickLower,
		TickUpper:   p.TickUpper,
		Liquidity:   liq,
		TokensOwed0: new(big.Int),
		TokensOwed1: new(big.Int),
	}
	f.mu.Lock()
	f.minted = state
	f.mu.Unlock()
	return &chain.MintResult{
		TokenID:   big.NewInt(7),
		Liquidity: liq,
		Amount0:   p.Amount0Desired,
		Amount1:   p.Amount1Desired,
		Receipt:   receipt("0x0b"),
	}, nil
}

func (f *fakeChain) PositionAt(_ context.Context, tokenID *big.Int) (*chain.PositionState, error) {
	f.mu.Lock()
	fn, minted := f.positionFn, f.minted
	f.mu.Unlock()
	if fn != nil {
		return fn(tokenID)
	}
	if minted != nil && minted.TokenID.Cmp(tokenID) == 0 {
		return minted, nil
	}
	return nil, types.NewFault(types.KindNotFound, "no position %s", tokenID)
}

func (f *fakeChain) OwnedPositions(_ context.Context, _ common.Address, _ int) ([]*chain.PositionState, error) {
	f.mu.Lock()
	fn := f.ownedFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (f *fakeChain) ExitPosition(_ context.Context, p chain.ExitParams) (*chain.ExitResult, error) {
	f.mu.Lock()
	f.exitCalls++
	f.lastExit = p
	fn := f.exitFn
	f.minted = nil
	f.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return &chain.ExitResult{
		Decreased0: wei("0.4"),
		Decreased1: wei("1000"),
		Collected0: wei("0.5"),
		Collected1: wei("1000.5"),
		Burned:     true,
		Receipt:    receipt("0x0c"),
	}, nil
}

func (f *fakeChain) stats() (mints, exits, approves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintCalls, f.exitCalls, f.approveCalls
}

// fakeRouter quotes and fills 1:1 unless scripted otherwise.
type fakeRouter struct {
	mu         sync.Mutex
	quoteFn    func(from, to common.Address, amountIn *big.Int) (*aggregator.QuoteResult, error)
	swapFn     func(q *aggregator.QuoteResult, slippagePct float64) (*aggregator.SwapOutcome, error)
	quoteCalls int
	swapCalls  int
}

func (f *fakeRouter) Quote(_ context.Context, from, to common.Address, amountIn *big.Int) (*aggregator.QuoteResult, error) {
	f.mu.Lock()
	f.quoteCalls++
	fn := f.quoteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(from, to, amountIn)
	}
	return &aggregator.QuoteResult{
		FromToken: from,
		ToToken:   to,
		AmountIn:  amountIn,
		AmountOut: new(big.Int).Set(amountIn),
		TakenAt:   time.Now(),
	}, nil
}

func (f *fakeRouter) Swap(_ context.Context, q *aggregator.QuoteResult, slippagePct float64) (*aggregator.SwapOutcome, error) {
	f.mu.Lock()
	f.swapCalls++
	fn := f.swapFn
	f.mu.Unlock()
	if fn != nil {
		return fn(q, slippagePct)
	}
	return &aggregator.SwapOutcome{
		AmountIn:          q.AmountIn,
		AmountOut:         q.AmountOut,
		TxHash:            "0x0d",
		GasUsed:           90000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}, nil
}

type fakeGas struct{}

func (fakeGas) CurrentGwei(context.Context) float64   { return 1 }
func (fakeGas) EffectiveWei(context.Context) *big.Int { return big.NewInt(1_000_000_000) }

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

func testConfig() *config.Config {
	return &config.Config{
		DryRun: true,
		Engine: config.EngineConfig{
			MonitorInterval:    25 * time.Millisecond,
			PrepareResampleGap: 5 * time.Millisecond,
			StopGrace:          2 * time.Second,
			ForceExitDeadline:  5 * time.Second,
			RecoveryWindow:     24 * time.Hour,
			RecoveryBudget:     3,
			EventRetention:     32,
		},
		PnL: config.PnLConfig{
			QuoteTokens: []config.QuoteToken{
				{Symbol: "USDT", Address: usdtAddr},
				{Symbol: "WBNB", Address: wbnbAddr},
			},
			DefaultBase: "USDT",
		},
	}
}

type harness struct {
	eng    *Engine
	chain  *fakeChain
	router *fakeRouter
	store  *store.Store
	bus    *bus.Bus
	cfg    *config.Config
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st, err := store.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	b := bus.New(testLogger(), cfg.Engine.EventRetention)
	fc := newFakeChain()
	fr := &fakeRouter{}
	eng := New(cfg, fc, fr, fakeGas{}, st, b, pnl.New(st, b, cfg.PnL, testLogger()), testLogger())
	t.Cleanup(func() {
		eng.Close()
		b.Close()
		st.Close()
	})
	return &harness{eng: eng, chain: fc, router: fr, store: st, bus: b, cfg: cfg}
}

func testStrategy() types.StrategyConfig {
	return types.StrategyConfig{
		Pool: types.PoolConfig{
			Address: common.HexToAddress(poolAddr),
			Token0:  common.HexToAddress(cakeAddr),
			Token1:  common.HexToAddress(usdtAddr),
			Fee:     500,
		},
		InputToken:      common.HexToAddress(usdtAddr),
		InputAmount:     decimal.RequireFromString("1000"),
		LowerPercent:    -5,
		UpperPercent:    5,
		SwapSlippagePct: 0.5,
		LpSlippagePct:   1,
		SwapBufferPct:   1,
		MonitorInterval: types.Duration(25 * time.Millisecond),
		MonitorTimeout:  types.Duration(80 * time.Millisecond),
	}
}

func waitStatus(t *testing.T, eng *Engine, id string, want types.InstanceStatus) *types.InstanceRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := eng.Get(id)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := eng.Get(id)
	t.Fatalf("instance never reached %s, last state %+v", want, rec)
	return nil
}

func collectTopic(t *testing.T, b *bus.Bus, topic string) <-chan types.Event {
	t.Helper()
	ch := make(chan types.Event, 64)
	b.Subscribe(func(ev types.Event) { ch <- ev }, topic)
	return ch
}

func expectEvent(t *testing.T, ch <-chan types.Event, topic string) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Topic != topic {
			t.Fatalf("event topic = %q, want %q", ev.Topic, topic)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event arrived", topic)
		return types.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan types.Event, topic string) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s event: %+v", topic, ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// ————————————————————————————————————————————————————————————————————————
// Create
// ————————————————————————————————————————————————————————————————————————

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	tests := []struct {
		name     string
		mutate   func(*types.StrategyConfig)
		wantKind types.ErrorKind
	}{
		{"missing pool address", func(c *types.StrategyConfig) { c.Pool.Address = common.Address{} }, types.KindInvalidConfig},
		{"tokens out of order", func(c *types.StrategyConfig) {
			c.Pool.Token0, c.Pool.Token1 = c.Pool.Token1, c.Pool.Token0
		}, types.KindInvalidConfig},
		{"unknown fee tier", func(c *types.StrategyConfig) { c.Pool.Fee = 123 }, types.KindInvalidConfig},
		{"input token not a pool side", func(c *types.StrategyConfig) {
			c.InputToken = common.HexToAddress(wbnbAddr)
		}, types.KindInvalidConfig},
		{"zero input amount", func(c *types.StrategyConfig) { c.InputAmount = decimal.Zero }, types.KindInvalidConfig},
		{"inverted band", func(c *types.StrategyConfig) {
			c.LowerPercent, c.UpperPercent = 5, -5
		}, types.KindInvalidTickRange},
		{"swap slippage too high", func(c *types.StrategyConfig) { c.SwapSlippagePct = 1.5 }, types.KindInvalidConfig},
		{"swap slippage zero", func(c *types.StrategyConfig) { c.SwapSlippagePct = 0 }, types.KindInvalidConfig},
		{"lp slippage zero", func(c *types.StrategyConfig) { c.LpSlippagePct = 0 }, types.KindInvalidConfig},
		{"swap buffer above cap", func(c *types.StrategyConfig) { c.SwapBufferPct = 51 }, types.KindInvalidConfig},
		{"missing monitor timeout", func(c *types.StrategyConfig) { c.MonitorTimeout = 0 }, types.KindInvalidConfig},
		{"bad exit token", func(c *types.StrategyConfig) { c.ExitToken = "both" }, types.KindInvalidConfig},
		{"unknown base override", func(c *types.StrategyConfig) { c.BaseOverride = "DOGE" }, types.KindInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testStrategy()
			tt.mutate(&cfg)
			_, err := h.eng.Create(cfg)
			if !types.IsKind(err, tt.wantKind) {
				t.Errorf("Create kind = %v (err %v), want %v", types.KindOf(err), err, tt.wantKind)
			}
		})
	}
}

func TestCreatePersistsInitializedInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Error("no id assigned")
	}
	if rec.Status != types.StatusInitialized {
		t.Errorf("status = %s, want initialized", rec.Status)
	}
	if rec.Base.Symbol != "USDT" || rec.Base.Side != types.SideToken1 || rec.Scenario != 2 {
		t.Errorf("base = %+v scenario %d, want USDT on token1 in scenario 2", rec.Base, rec.Scenario)
	}
	if rec.Swaps == nil || rec.Txs == nil {
		t.Error("history slices not initialized")
	}

	stored, err := h.store.LoadInstance(rec.ID)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if stored.Status != types.StatusInitialized {
		t.Errorf("stored status = %s, want initialized", stored.Status)
	}
}

func TestCreateHonorsBaseOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	cfg := testStrategy()
	cfg.BaseOverride = "WBNB"
	rec, err := h.eng.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Base.Symbol != "WBNB" || rec.Base.Side != types.SideExternal || rec.Scenario != 1 {
		t.Errorf("base = %+v scenario %d, want external WBNB in scenario 1", rec.Base, rec.Scenario)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control guards
// ————————————————————————————————————————————————————————————————————————

func TestUnknownInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.eng.StartInstance("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("StartInstance kind = %v, want NotFound", types.KindOf(err))
	}
	if err := h.eng.Stop("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Stop kind = %v, want NotFound", types.KindOf(err))
	}
	if err := h.eng.Reset("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Reset kind = %v, want NotFound", types.KindOf(err))
	}
	if err := h.eng.Delete("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Delete kind = %v, want NotFound", types.KindOf(err))
	}
	if _, err := h.eng.ForceExit("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("ForceExit kind = %v, want NotFound", types.KindOf(err))
	}
	if _, err := h.eng.Get("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Get kind = %v, want NotFound", types.KindOf(err))
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); !types.IsKind(err, types.KindInstanceBusy) {
		t.Errorf("second start kind = %v, want InstanceBusy", types.KindOf(err))
	}
}

func TestStopRequiresLiveInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.Stop(rec.ID); !types.IsKind(err, types.KindInstanceBusy) {
		t.Errorf("Stop on initialized kind = %v, want InstanceBusy", types.KindOf(err))
	}
}

func TestListSortedByCreation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := h.eng.Create(testStrategy())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	list := h.eng.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d instances, want 3", len(list))
	}
	for i, rec := range list {
		if rec.ID != ids[i] {
			t.Errorf("List[%d] = %s, want %s (creation order)", i, rec.ID, ids[i])
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dry-run lifecycle
// ————————————————————————————————————————————————————————————————————————

// livePositionAt fabricates a healthy position for any token id, standing in
// for chain state the dry-run pipeline never creates.
func livePositionAt(tokenID *big.Int) (*chain.PositionState, error) {
	return &chain.PositionState{
		TokenID:     tokenID,
		Token0:      common.HexToAddress(cakeAddr),
		Token1:      common.HexToAddress(usdtAddr),
		Fee:         500,
		TickLower:   -600,
		TickUpper:   600,
		Liquidity:   big.NewInt(1_000_000_000_000_000),
		TokensOwed0: new(big.Int),
		TokensOwed1: new(big.Int),
	}, nil
}

func TestLifecycleDryRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.chain.positionFn = livePositionAt

	created := collectTopic(t, h.bus, types.TopicPositionCreated)
	closed := collectTopic(t, h.bus, types.TopicPositionClosed)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	mon := waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)
	if mon.Snapshot == nil || mon.Position == nil {
		t.Fatalf("monitoring without snapshot/position: %+v", mon)
	}
	if mon.Snapshot.TickLower >= mon.Snapshot.TickUpper {
		t.Errorf("band [%d, %d] is not ordered", mon.Snapshot.TickLower, mon.Snapshot.TickUpper)
	}
	expectEvent(t, created, types.TopicPositionCreated)

	var hasDeposit bool
	for _, row := range mon.Ledger {
		if row.Kind == types.LedgerDeposit {
			hasDeposit = true
		}
	}
	if !hasDeposit {
		t.Error("no deposit ledger row after mint")
	}

	mints, exits, approves := h.chain.stats()
	if mints != 0 || exits != 0 || approves != 0 {
		t.Errorf("dry run touched the chain: %d mints, %d exits, %d approves", mints, exits, approves)
	}

	// Pause and resume: the position survives and monitoring picks it up.
	if err := h.eng.Stop(rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	paused, _ := h.eng.Get(rec.ID)
	if paused.Status != types.StatusPaused || paused.Position == nil {
		t.Fatalf("after stop: status %s position %v, want paused with position", paused.Status, paused.Position)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)

	// Close out. Dry run fabricates the exit, so the chain stays untouched
	// but the lifecycle completes for real.
	res, err := h.eng.ForceExit(rec.ID)
	if err != nil {
		t.Fatalf("ForceExit: %v", err)
	}
	if res.AlreadyClosed || !res.Burned {
		t.Errorf("result = %+v, want a fresh burn", res)
	}
	final, _ := h.eng.Get(rec.ID)
	if final.Status != types.StatusExited || !final.PositionClosed || final.Position != nil {
		t.Errorf("after exit: %+v, want exited with the position cleared", final)
	}
	if final.ExitReason != types.ExitReasonForced {
		t.Errorf("exit reason = %q, want %q", final.ExitReason, types.ExitReasonForced)
	}
	expectEvent(t, closed, types.TopicPositionClosed)

	// Second call reports already closed and emits nothing.
	res, err = h.eng.ForceExit(rec.ID)
	if err != nil {
		t.Fatalf("second ForceExit: %v", err)
	}
	if !res.AlreadyClosed {
		t.Error("second exit not reported as already closed")
	}
	expectNoEvent(t, closed, types.TopicPositionClosed)

	lcs, err := h.store.ListLifecycles()
	if err != nil {
		t.Fatalf("ListLifecycles: %v", err)
	}
	if len(lcs) != 1 {
		t.Errorf("lifecycles archived = %d, want exactly 1", len(lcs))
	}
}

func TestPipelineFailureParksError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.chain.verifyFn = func(chain.PoolMeta) error {
		return types.NewFault(types.KindRpcFatal, "pool mismatch")
	}

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	failed := waitStatus(t, h.eng, rec.ID, types.StatusError)
	if failed.ErrorKind != string(types.KindRpcFatal) {
		t.Errorf("error kind = %q, want %q", failed.ErrorKind, types.KindRpcFatal)
	}
	if failed.LastError == "" {
		t.Error("no error message recorded")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reset and delete
// ————————————————————————————————————————————————————————————————————————

func TestResetGuards(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.chain.positionFn = livePositionAt

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if err := h.eng.Reset(rec.ID); !types.IsKind(err, types.KindInstanceBusy) {
		t.Errorf("reset while live kind = %v, want InstanceBusy", types.KindOf(err))
	}

	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)
	if err := h.eng.Stop(rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Paused but still holding the position: reset must refuse.
	if err := h.eng.Reset(rec.ID); !types.IsKind(err, types.KindInstanceBusy) {
		t.Errorf("reset with open position kind = %v, want InstanceBusy", types.KindOf(err))
	}

	if _, err := h.eng.ForceExit(rec.ID); err != nil {
		t.Fatalf("ForceExit: %v", err)
	}
	if err := h.eng.Reset(rec.ID); err != nil {
		t.Fatalf("Reset after exit: %v", err)
	}

	fresh, _ := h.eng.Get(rec.ID)
	if fresh.Status != types.StatusInitialized {
		t.Errorf("status = %s, want initialized", fresh.Status)
	}
	if fresh.Snapshot != nil || fresh.Position != nil || fresh.ExitReason != "" || fresh.PositionClosed {
		t.Errorf("state not cleared: %+v", fresh)
	}
	if len(fresh.Swaps) != 0 || len(fresh.Txs) != 0 || len(fresh.Ledger) != 0 {
		t.Errorf("histories not cleared: %d swaps, %d txs, %d ledger rows",
			len(fresh.Swaps), len(fresh.Txs), len(fresh.Ledger))
	}
}

func TestDeleteRemovesInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	deleted := collectTopic(t, h.bus, types.TopicStrategyDeleted)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if err := h.eng.Delete(rec.ID); !types.IsKind(err, types.KindInstanceBusy) {
		t.Errorf("delete while live kind = %v, want InstanceBusy", types.KindOf(err))
	}

	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)
	if err := h.eng.Stop(rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.eng.Delete(rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := h.eng.Get(rec.ID); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Get after delete kind = %v, want NotFound", types.KindOf(err))
	}
	recs, err := h.store.ListInstances()
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("store still holds %d instances after delete", len(recs))
	}
	ev := expectEvent(t, deleted, types.TopicStrategyDeleted)
	if ev.InstanceID != rec.ID {
		t.Errorf("deleted event for %q, want %q", ev.InstanceID, rec.ID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Force exit against the chain
// ————————————————————————————————————————————————————————————————————————

// mintedAndPaused drives a live-chain instance through mint and parks it in
// Paused with the position open.
func mintedAndPaused(t *testing.T, h *harness) string {
	t.Helper()
	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)
	if err := h.eng.Stop(rec.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return rec.ID
}

func TestForceExitClosesOnChain(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	h := newHarness(t, cfg)
	closed := collectTopic(t, h.bus, types.TopicPositionClosed)

	id := mintedAndPaused(t, h)

	res, err := h.eng.ForceExit(id)
	if err != nil {
		t.Fatalf("ForceExit: %v", err)
	}
	if !res.Decreased || !res.Collected || !res.Burned {
		t.Errorf("result = %+v, want full decrease+collect+burn", res)
	}
	if res.Amount1.Cmp(wei("1000.5")) != 0 {
		t.Errorf("Amount1 = %s, want the collected 1000.5", res.Amount1)
	}
	// CAKE came back alongside the USDT target side, so the remainder swap
	// must have converted it.
	if !res.Swapped {
		t.Error("remainder not swapped into the exit token")
	}

	h.chain.mu.Lock()
	exitParams := h.chain.lastExit
	exitCalls := h.chain.exitCalls
	h.chain.mu.Unlock()
	if exitCalls != 1 {
		t.Errorf("exit multicalls = %d, want 1", exitCalls)
	}
	if !exitParams.Collect || !exitParams.Burn {
		t.Errorf("exit params = %+v, want collect and burn", exitParams)
	}

	final, _ := h.eng.Get(id)
	if final.Status != types.StatusExited || final.ExitReason != types.ExitReasonForced {
		t.Errorf("final = %s/%s, want exited/force-exit", final.Status, final.ExitReason)
	}
	var withdraws, collects int
	for _, row := range final.Ledger {
		switch row.Kind {
		case types.LedgerWithdraw:
			withdraws++
		case types.LedgerCollect:
			collects++
		}
	}
	if withdraws != 2 || collects != 2 {
		t.Errorf("return rows = %d withdraws / %d collects, want 2 / 2", withdraws, collects)
	}
	expectEvent(t, closed, types.TopicPositionClosed)
	expectNoEvent(t, closed, types.TopicPositionClosed)
}

func TestForceExitSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	h := newHarness(t, cfg)
	closed := collectTopic(t, h.bus, types.TopicPositionClosed)

	id := mintedAndPaused(t, h)

	results := make([]*types.ForceExitResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.eng.ForceExit(id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("ForceExit[%d]: %v", i, errs[i])
		}
	}
	if results[0].AlreadyClosed == results[1].AlreadyClosed {
		t.Errorf("exactly one call should close: %+v / %+v", results[0], results[1])
	}
	_, exits, _ := h.chain.stats()
	if exits != 1 {
		t.Errorf("exit multicalls = %d, want 1", exits)
	}
	expectEvent(t, closed, types.TopicPositionClosed)
	expectNoEvent(t, closed, types.TopicPositionClosed)
}

func TestForceExitPositionAlreadyGone(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	h := newHarness(t, cfg)

	id := mintedAndPaused(t, h)
	// The position vanished between mint and the exit call.
	h.chain.mu.Lock()
	h.chain.minted = nil
	h.chain.mu.Unlock()

	res, err := h.eng.ForceExit(id)
	if err != nil {
		t.Fatalf("ForceExit: %v", err)
	}
	if !res.AlreadyClosed {
		t.Errorf("result = %+v, want already closed", res)
	}
	final, _ := h.eng.Get(id)
	if final.Status != types.StatusCompleted || final.ExitReason != types.ExitReasonExternal {
		t.Errorf("final = %s/%s, want completed/external-close", final.Status, final.ExitReason)
	}
	_, exits, _ := h.chain.stats()
	if exits != 0 {
		t.Errorf("exit multicalls = %d, want none", exits)
	}
}

func TestForceExitDeadlineExpired(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	// Pre-expired deadline: the attempt loop must bail before submitting.
	cfg.Engine.ForceExitDeadline = -time.Millisecond
	h := newHarness(t, cfg)
	closed := collectTopic(t, h.bus, types.TopicPositionClosed)

	id := mintedAndPaused(t, h)

	_, err := h.eng.ForceExit(id)
	if !types.IsKind(err, types.KindForceExitTimedOut) {
		t.Fatalf("kind = %v (err %v), want ForceExitTimedOut", types.KindOf(err), err)
	}
	rec, _ := h.eng.Get(id)
	if rec.PositionClosed || rec.Position == nil {
		t.Errorf("timed-out exit must leave the position open: %+v", rec)
	}
	_, exits, _ := h.chain.stats()
	if exits != 0 {
		t.Errorf("exit multicalls = %d, want none", exits)
	}
	expectNoEvent(t, closed, types.TopicPositionClosed)
}

// ————————————————————————————————————————————————————————————————————————
// Out-of-range monitoring exit
// ————————————————————————————————————————————————————————————————————————

func TestMonitorTimeoutTriggersExit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	h := newHarness(t, cfg)
	closed := collectTopic(t, h.bus, types.TopicPositionClosed)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)

	// Push the pool far outside the band and let the timeout elapse.
	h.chain.setTick(100000)

	final := waitStatus(t, h.eng, rec.ID, types.StatusExited)
	if final.ExitReason != types.ExitReasonOutOfRange {
		t.Errorf("exit reason = %q, want %q", final.ExitReason, types.ExitReasonOutOfRange)
	}
	if !final.PositionClosed || final.Position != nil {
		t.Errorf("position not cleared after timeout exit: %+v", final)
	}
	_, exits, _ := h.chain.stats()
	if exits != 1 {
		t.Errorf("exit multicalls = %d, want 1", exits)
	}
	expectEvent(t, closed, types.TopicPositionClosed)
	expectNoEvent(t, closed, types.TopicPositionClosed)
}

func TestMonitorCompletesWhenPositionVanishes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = false
	h := newHarness(t, cfg)

	rec, err := h.eng.Create(testStrategy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.eng.StartInstance(rec.ID); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	waitStatus(t, h.eng, rec.ID, types.StatusMonitoring)

	// Someone burned the NFT outside this process. The periodic existence
	// check finds it gone and completes the instance without a transaction.
	h.chain.mu.Lock()
	h.chain.minted = nil
	h.chain.mu.Unlock()

	final := waitStatus(t, h.eng, rec.ID, types.StatusCompleted)
	if final.ExitReason != types.ExitReasonExternal {
		t.Errorf("exit reason = %q, want %q", final.ExitReason, types.ExitReasonExternal)
	}
	_, exits, _ := h.chain.stats()
	if exits != 0 {
		t.Errorf("exit multicalls = %d, want none", exits)
	}
}
