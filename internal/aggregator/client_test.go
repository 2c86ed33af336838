package aggregator

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

var (
	usdtAddr = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	wbnbAddr = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
)

type fakeSender struct {
	addr     common.Address
	balances []*big.Int
	estimate uint64
	receipt  *ethtypes.Receipt
	sendErr  error
	sent     []chain.TxRequest
}

func (f *fakeSender) Address() common.Address { return f.addr }

func (f *fakeSender) BalanceOfOwner(context.Context, common.Address, common.Address) (*big.Int, error) {
	if len(f.balances) == 0 {
		return new(big.Int), nil
	}
	b := f.balances[0]
	if len(f.balances) > 1 {
		f.balances = f.balances[1:]
	}
	return b, nil
}

func (f *fakeSender) EstimateGas(context.Context, common.Address, []byte, *big.Int) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeSender) SendAndWait(_ context.Context, req chain.TxRequest) (*ethtypes.Receipt, error) {
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.receipt, nil
}

type fakePricer struct{ wei *big.Int }

func (f fakePricer) EffectiveWei(context.Context) *big.Int { return new(big.Int).Set(f.wei) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func routerConfig(baseURL string, dryRun bool) config.Config {
	return config.Config{
		DryRun: dryRun,
		Aggregator: config.AggregatorConfig{
			BaseURL:      baseURL,
			Timeout:      5 * time.Second,
			RetryCount:   0,
			RateLimitRPS: 1000,
			RateBurst:    1000,
		},
	}
}

func TestQuoteParsesAmount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, `{"toTokenAmount":"1980000000000000000"}`)
	}))
	defer srv.Close()

	r := NewRouter(routerConfig(srv.URL, false), &fakeSender{}, fakePricer{big.NewInt(1)}, testLogger())
	q, err := r.Quote(context.Background(), usdtAddr, wbnbAddr, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.AmountOut.String() != "1980000000000000000" {
		t.Errorf("AmountOut = %s", q.AmountOut)
	}
	if q.TakenAt.IsZero() {
		t.Error("TakenAt not stamped")
	}
	if q.Expired(q.TakenAt.Add(time.Second)) {
		t.Error("fresh quote reported expired")
	}
	if !q.Expired(q.TakenAt.Add(time.Minute)) {
		t.Error("minute-old quote not expired")
	}
}

func TestQuoteErrorClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"statusCode":400,"error":"Bad Request","description":"insufficient liquidity"}`))
	}))
	defer srv.Close()

	r := NewRouter(routerConfig(srv.URL, false), &fakeSender{}, fakePricer{big.NewInt(1)}, testLogger())
	_, err := r.Quote(context.Background(), usdtAddr, wbnbAddr, big.NewInt(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := types.KindOf(err); kind != types.KindInsufficientLiquidity {
		t.Fatalf("kind = %s, want %s", kind, types.KindInsufficientLiquidity)
	}
}

func TestQuoteZeroOutIsNoRoute(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"toTokenAmount":"0"}`)
	}))
	defer srv.Close()

	r := NewRouter(routerConfig(srv.URL, false), &fakeSender{}, fakePricer{big.NewInt(1)}, testLogger())
	_, err := r.Quote(context.Background(), usdtAddr, wbnbAddr, big.NewInt(1))
	if kind := types.KindOf(err); kind != types.KindInsufficientLiquidity {
		t.Fatalf("kind = %s, want %s", kind, types.KindInsufficientLiquidity)
	}
}

func TestSwapExecutesAndMeasuresDelta(t *testing.T) {
	t.Parallel()

	var swapQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/swap":
			swapQuery = r.URL.Query()
			writeJSON(w, `{"toTokenAmount":"2000000","tx":{"to":"0x3333333333333333333333333333333333333333","data":"0xdeadbeef","value":"0","gas":210000,"gasPrice":"3300000000"}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	sender := &fakeSender{
		addr:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		balances: []*big.Int{big.NewInt(1_000_000), big.NewInt(2_980_000)},
		estimate: 200_000,
		receipt: &ethtypes.Receipt{
			Status:            ethtypes.ReceiptStatusSuccessful,
			TxHash:            common.HexToHash("0xaa"),
			GasUsed:           180_000,
			EffectiveGasPrice: big.NewInt(3_300_000_000),
		},
	}
	r := NewRouter(routerConfig(srv.URL, false), sender, fakePricer{big.NewInt(3_300_000_000)}, testLogger())

	q := &QuoteResult{
		FromToken: usdtAddr,
		ToToken:   wbnbAddr,
		AmountIn:  big.NewInt(1_000_000),
		AmountOut: big.NewInt(2_000_000),
		TakenAt:   time.Now(),
	}
	out, err := r.Swap(context.Background(), q, 0.5)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if out.AmountOut.Int64() != 1_980_000 {
		t.Errorf("AmountOut = %s, want balance delta 1980000", out.AmountOut)
	}
	if out.Requoted {
		t.Error("fresh quote reported requoted")
	}
	if out.GasUsed != 180_000 {
		t.Errorf("GasUsed = %d", out.GasUsed)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(sender.sent))
	}
	req := sender.sent[0]
	if req.GasLimit != 250_000 {
		t.Errorf("GasLimit = %d, want estimate with headroom 250000", req.GasLimit)
	}
	if req.GasPrice.Int64() != 3_300_000_000 {
		t.Errorf("GasPrice = %s", req.GasPrice)
	}
	if got := swapQuery.Get("slippage"); got != "0.5" {
		t.Errorf("slippage param = %q, want 0.5", got)
	}
	if got := swapQuery.Get("fromAddress"); got != "0x1111111111111111111111111111111111111111" {
		t.Errorf("fromAddress param = %q", got)
	}
}

func TestSwapRequotesExpiredQuote(t *testing.T) {
	t.Parallel()

	var quoteCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			quoteCalls.Add(1)
			writeJSON(w, `{"toTokenAmount":"1900000"}`)
		case "/swap":
			writeJSON(w, `{"toTokenAmount":"1900000","tx":{"to":"0x3333333333333333333333333333333333333333","data":"0x00","value":"0"}}`)
		}
	}))
	defer srv.Close()

	sender := &fakeSender{
		estimate: 100_000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xab")},
	}
	r := NewRouter(routerConfig(srv.URL, false), sender, fakePricer{big.NewInt(1)}, testLogger())

	stale := &QuoteResult{
		FromToken: usdtAddr,
		ToToken:   wbnbAddr,
		AmountIn:  big.NewInt(1_000_000),
		AmountOut: big.NewInt(2_000_000),
		TakenAt:   time.Now().Add(-time.Minute),
	}
	out, err := r.Swap(context.Background(), stale, 0.5)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if !out.Requoted {
		t.Error("expired quote not refreshed")
	}
	if quoteCalls.Load() != 1 {
		t.Errorf("quote calls = %d, want 1", quoteCalls.Load())
	}
}

func TestSwapDryRun(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := NewRouter(routerConfig(srv.URL, true), &fakeSender{}, fakePricer{big.NewInt(1)}, testLogger())
	q := &QuoteResult{
		FromToken: usdtAddr,
		ToToken:   wbnbAddr,
		AmountIn:  big.NewInt(5),
		AmountOut: big.NewInt(10),
		TakenAt:   time.Now(),
	}
	out, err := r.Swap(context.Background(), q, 1)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if out.TxHash != "dry-run" {
		t.Errorf("TxHash = %q", out.TxHash)
	}
	if out.AmountOut.Int64() != 10 {
		t.Errorf("AmountOut = %s, want quoted 10", out.AmountOut)
	}
	if hits.Load() != 0 {
		t.Errorf("dry-run still made %d HTTP calls", hits.Load())
	}
}

func TestSwapRevertedReceipt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"toTokenAmount":"10","tx":{"to":"0x3333333333333333333333333333333333333333","data":"0x00","value":"0"}}`)
	}))
	defer srv.Close()

	sender := &fakeSender{
		estimate: 100_000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, TxHash: common.HexToHash("0xac")},
	}
	r := NewRouter(routerConfig(srv.URL, false), sender, fakePricer{big.NewInt(1)}, testLogger())

	q := &QuoteResult{FromToken: usdtAddr, ToToken: wbnbAddr, AmountIn: big.NewInt(5), AmountOut: big.NewInt(10), TakenAt: time.Now()}
	_, err := r.Swap(context.Background(), q, 1)
	if kind := types.KindOf(err); kind != types.KindSwapFailed {
		t.Fatalf("kind = %s, want %s", kind, types.KindSwapFailed)
	}
}
