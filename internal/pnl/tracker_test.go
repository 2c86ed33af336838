package pnl

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/store"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const (
	usdtAddr = "0x55d398326f99059fF775485246999027B3197955"
	usdcAddr = "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"
	wbnbAddr = "0xbb4CdB9CBd36B01bD1cBaEF60aF814a3f6F0Ee75"
	cakeAddr = "0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82"
	xvsAddr  = "0xcF6BB5389c92Bdda8a3747Ddb454cB7a64626C63"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPnLConfig() config.PnLConfig {
	return config.PnLConfig{
		QuoteTokens: []config.QuoteToken{
			{Symbol: "USDT", Address: usdtAddr},
			{Symbol: "USDC", Address: usdcAddr},
			{Symbol: "WBNB", Address: wbnbAddr},
		},
		DefaultBase: "USDT",
	}
}

func testTracker(t *testing.T) (*Tracker, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	b := bus.New(testLogger(), 8)
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	return New(st, b, testPnLConfig(), testLogger()), st, b
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func TestClassifyBase(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)

	tests := []struct {
		name         string
		token0       string
		token1       string
		wantSymbol   string
		wantSide     types.TokenSide
		wantScenario int
	}{
		{"token0 recognized", usdcAddr, cakeAddr, "USDC", types.SideToken0, 2},
		{"token1 recognized", cakeAddr, usdtAddr, "USDT", types.SideToken1, 2},
		{"both recognized, priority picks USDT", wbnbAddr, usdtAddr, "USDT", types.SideToken1, 2},
		{"both recognized, token0 wins a tie-free pair", usdtAddr, usdcAddr, "USDT", types.SideToken0, 2},
		{"neither recognized", cakeAddr, xvsAddr, "USDT", types.SideExternal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, scenario := tr.ClassifyBase(common.HexToAddress(tt.token0), common.HexToAddress(tt.token1))
			if base.Symbol != tt.wantSymbol {
				t.Errorf("base = %q, want %q", base.Symbol, tt.wantSymbol)
			}
			if base.Side != tt.wantSide {
				t.Errorf("side = %q, want %q", base.Side, tt.wantSide)
			}
			if scenario != tt.wantScenario {
				t.Errorf("scenario = %d, want %d", scenario, tt.wantScenario)
			}
		})
	}
}

// closedRecord models a finished scenario-2 lifecycle: 1000 USDT in
// (500 swapped into the other side + 500 deposited directly), 1005 principal
// back, 3 of fees, and two gas rows summing to 1.
func closedRecord(id string) *types.InstanceRecord {
	opened := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(6 * time.Hour)
	return &types.InstanceRecord{
		ID:         id,
		Status:     types.StatusExited,
		Scenario:   2,
		Base:       types.BaseCurrency{Symbol: "USDT", Address: common.HexToAddress(usdtAddr), Side: types.SideToken1},
		ExitReason: types.ExitReasonOutOfRange,
		Config: types.StrategyConfig{
			Pool: types.PoolConfig{Address: common.HexToAddress("0x36696169C63e42cd08ce11f5deeBbCeBae652050")},
		},
		Swaps: []types.SwapRecord{{FromSymbol: "USDT", ToSymbol: "WBNB", TxHash: "0x1"}},
		Txs:   []types.TxRecord{{Kind: types.TxMint, Hash: "0x2"}, {Kind: types.TxMulticall, Hash: "0x3"}},
		Ledger: []types.LedgerEntry{
			// Close-side rows first: ledgerSpan must not assume append order.
			{Timestamp: closed, Kind: types.LedgerWithdraw, Flow: types.FlowOut, Symbol: "USDT", BaseValue: decimal.RequireFromString("1005")},
			{Timestamp: closed, Kind: types.LedgerCollect, Flow: types.FlowOut, Symbol: "USDT", BaseValue: decimal.RequireFromString("3")},
			{Timestamp: closed, Kind: types.LedgerGas, Flow: types.FlowOut, Symbol: "WBNB", BaseValue: decimal.RequireFromString("0.6")},
			{Timestamp: opened, Kind: types.LedgerSwap, Flow: types.FlowIn, Symbol: "USDT", BaseValue: decimal.RequireFromString("500")},
			{Timestamp: opened, Kind: types.LedgerDeposit, Flow: types.FlowIn, Symbol: "USDT", BaseValue: decimal.RequireFromString("500")},
			{Timestamp: opened, Kind: types.LedgerGas, Flow: types.FlowOut, Symbol: "WBNB", BaseValue: decimal.RequireFromString("0.4")},
		},
	}
}

func TestComputeInstance(t *testing.T) {
	t.Parallel()

	rec := closedRecord("inst-1")
	report := ComputeInstance(rec)

	if !report.TotalInBase.Equal(dec(t, "1000")) {
		t.Errorf("TotalInBase = %s, want 1000", report.TotalInBase)
	}
	if !report.TotalOutBase.Equal(dec(t, "1008")) {
		t.Errorf("TotalOutBase = %s, want 1008", report.TotalOutBase)
	}
	if !report.GasBase.Equal(dec(t, "1")) {
		t.Errorf("GasBase = %s, want 1", report.GasBase)
	}
	if !report.NetProfit.Equal(dec(t, "7")) {
		t.Errorf("NetProfit = %s, want 1008 - 1000 - 1 = 7", report.NetProfit)
	}
	if report.Open {
		t.Error("Open = true for an exited instance")
	}
	if report.SwapCount != 1 || report.TxCount != 2 {
		t.Errorf("counts = %d swaps / %d txs, want 1 / 2", report.SwapCount, report.TxCount)
	}
}

func TestComputeInstanceDeterministic(t *testing.T) {
	t.Parallel()

	rec := closedRecord("inst-1")
	first := ComputeInstance(rec)
	second := ComputeInstance(rec)

	if !first.NetProfit.Equal(second.NetProfit) ||
		!first.TotalInBase.Equal(second.TotalInBase) ||
		!first.TotalOutBase.Equal(second.TotalOutBase) ||
		!first.GasBase.Equal(second.GasBase) {
		t.Errorf("recompute diverged: %+v vs %+v", first, second)
	}
}

func TestComputeInstanceEmptyLedger(t *testing.T) {
	t.Parallel()

	report := ComputeInstance(&types.InstanceRecord{ID: "fresh", Status: types.StatusInitialized})
	if !report.NetProfit.IsZero() || !report.TotalInBase.IsZero() || !report.GasBase.IsZero() {
		t.Errorf("empty ledger produced non-zero totals: %+v", report)
	}
	if !report.Open {
		t.Error("Open = false for an initialized instance")
	}
}

func TestOnPositionClosedAppendsLifecycle(t *testing.T) {
	t.Parallel()
	tr, st, b := testTracker(t)

	events := make(chan types.Event, 1)
	b.Subscribe(func(ev types.Event) { events <- ev }, types.TopicPnLUpdated)

	rec := closedRecord("inst-1")
	lc, err := tr.OnPositionClosed(rec)
	if err != nil {
		t.Fatalf("OnPositionClosed: %v", err)
	}
	if lc.LifecycleID == "" {
		t.Error("lifecycle id not assigned")
	}
	if !lc.NetProfit.Equal(dec(t, "7")) {
		t.Errorf("NetProfit = %s, want 7", lc.NetProfit)
	}
	wantOpened := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if !lc.OpenedAt.Equal(wantOpened) || !lc.ClosedAt.Equal(wantOpened.Add(6*time.Hour)) {
		t.Errorf("span = %s..%s, want ledger timestamp extremes", lc.OpenedAt, lc.ClosedAt)
	}
	if lc.ExitReason != types.ExitReasonOutOfRange {
		t.Errorf("ExitReason = %q, want %q", lc.ExitReason, types.ExitReasonOutOfRange)
	}

	stored, err := st.ListLifecycles()
	if err != nil {
		t.Fatalf("ListLifecycles: %v", err)
	}
	if len(stored) != 1 || stored[0].LifecycleID != lc.LifecycleID {
		t.Errorf("stored lifecycles = %+v, want the one just closed", stored)
	}

	select {
	case ev := <-events:
		if ev.Topic != types.TopicPnLUpdated || ev.InstanceID != "inst-1" {
			t.Errorf("event = %+v, want pnl.updated for inst-1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pnl.updated event published")
	}
}

func TestInstanceDetail(t *testing.T) {
	t.Parallel()
	tr, st, _ := testTracker(t)

	rec := closedRecord("inst-1")
	if err := st.SaveInstance(rec); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	detail, err := tr.Instance("inst-1")
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if !detail.NetProfit.Equal(dec(t, "7")) {
		t.Errorf("NetProfit = %s, want 7", detail.NetProfit)
	}
	if len(detail.Ledger) != 6 || len(detail.Swaps) != 1 || len(detail.Txs) != 2 {
		t.Errorf("histories = %d ledger / %d swaps / %d txs, want 6 / 1 / 2",
			len(detail.Ledger), len(detail.Swaps), len(detail.Txs))
	}

	_, err = tr.Instance("missing")
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Instance(missing) kind = %v, want NotFound", types.KindOf(err))
	}
}

func TestSummarySplitsRealizedAndOpen(t *testing.T) {
	t.Parallel()
	tr, st, _ := testTracker(t)

	closed := closedRecord("inst-closed")
	if err := st.SaveInstance(closed); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	if _, err := tr.OnPositionClosed(closed); err != nil {
		t.Fatalf("OnPositionClosed: %v", err)
	}

	open := closedRecord("inst-open")
	open.Status = types.StatusMonitoring
	open.ExitReason = ""
	open.Ledger = open.Ledger[3:] // only the open-side rows so far
	if err := st.SaveInstance(open); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	sum, err := tr.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	usdt := sum.Realized["USDT"]
	if usdt == nil || usdt.Lifecycles != 1 || !usdt.NetProfit.Equal(dec(t, "7")) {
		t.Errorf("Realized[USDT] = %+v, want one lifecycle netting 7", usdt)
	}
	if len(sum.Open) != 1 || sum.Open[0].InstanceID != "inst-open" {
		t.Fatalf("Open = %+v, want just inst-open", sum.Open)
	}
	if !sum.Open[0].TotalInBase.Equal(dec(t, "1000")) {
		t.Errorf("open cost basis = %s, want 1000", sum.Open[0].TotalInBase)
	}
}

func TestLifecycleSummaryGroupsByBase(t *testing.T) {
	t.Parallel()
	tr, st, _ := testTracker(t)

	for _, lc := range []types.LifecycleRecord{
		{LifecycleID: "a", BaseSymbol: "USDT", NetProfit: dec(t, "5")},
		{LifecycleID: "b", BaseSymbol: "USDT", NetProfit: dec(t, "-1")},
		{LifecycleID: "c", BaseSymbol: "WBNB", NetProfit: dec(t, "0.5")},
	} {
		if err := st.AppendLifecycle(lc); err != nil {
			t.Fatalf("AppendLifecycle: %v", err)
		}
	}

	sum, err := tr.LifecycleSummary()
	if err != nil {
		t.Fatalf("LifecycleSummary: %v", err)
	}
	if sum.Lifecycles != 3 || len(sum.Bases) != 2 {
		t.Fatalf("summary = %d lifecycles over %d bases, want 3 over 2", sum.Lifecycles, len(sum.Bases))
	}
	usdt, wbnb := sum.Bases["USDT"], sum.Bases["WBNB"]
	if usdt == nil || usdt.Wins != 1 || usdt.Losses != 1 || !usdt.NetProfit.Equal(dec(t, "4")) {
		t.Errorf("USDT totals = %+v, want 1 win / 1 loss netting 4", usdt)
	}
	if wbnb == nil || wbnb.Wins != 1 || !wbnb.NetProfit.Equal(dec(t, "0.5")) {
		t.Errorf("WBNB totals = %+v, want 1 win netting 0.5", wbnb)
	}

	lc, err := tr.Lifecycle("b")
	if err != nil {
		t.Fatalf("Lifecycle: %v", err)
	}
	if !lc.NetProfit.Equal(dec(t, "-1")) {
		t.Errorf("Lifecycle(b).NetProfit = %s, want -1", lc.NetProfit)
	}
	if _, err := tr.Lifecycle("nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Lifecycle(nope) kind = %v, want NotFound", types.KindOf(err))
	}
}
