package engine

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/univ3"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// wbnbAddress is canonical WBNB on BSC. Gas is paid in BNB and valued
// through this token.
var wbnbAddress = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEF60aF814a3f6F0Ee75")

// valuer converts token amounts into an instance's base currency at event
// time, using the cheapest reliable source: face value for the base
// itself, the pool's own price for the opposite side, the configured
// valuation pool for gas, and aggregator quotes for everything else. A
// value that cannot be established is recorded as zero with a note rather
// than blocking the pipeline.
type valuer struct {
	cfg    config.PnLConfig
	chain  ChainClient
	router SwapRouter
	logger *slog.Logger

	mu       sync.Mutex
	decimals map[common.Address]int
	vpMeta   *chain.PoolMeta
}

func newValuer(cfg config.PnLConfig, chainClient ChainClient, router SwapRouter, logger *slog.Logger) *valuer {
	return &valuer{
		cfg:      cfg,
		chain:    chainClient,
		router:   router,
		logger:   logger.With("component", "valuer"),
		decimals: make(map[common.Address]int),
	}
}

// TokenInBase values amountWei of token in the instance's base currency.
// sqrtX overrides the pool price when non-nil; otherwise the prepare
// snapshot price applies. The note is non-empty when zero was recorded in
// place of a real value.
func (v *valuer) TokenInBase(ctx context.Context, rec *types.InstanceRecord, token common.Address, amountWei *big.Int, sqrtX *big.Int) (decimal.Decimal, string) {
	if amountWei == nil || amountWei.Sign() == 0 {
		return decimal.Zero, ""
	}
	base := rec.Base
	if token == base.Address {
		dec, err := v.tokenDecimals(ctx, rec, token)
		if err != nil {
			v.logger.Warn("decimals read failed", "token", token.Hex(), "error", err)
			return decimal.Zero, "unvalued: decimals unknown"
		}
		return weiToHuman(amountWei, dec), ""
	}

	pool := rec.Config.Pool
	baseIsSide := base.Side == types.SideToken0 || base.Side == types.SideToken1
	if baseIsSide && rec.Snapshot != nil && (token == pool.Token0 || token == pool.Token1) {
		snap := rec.Snapshot
		sqrt := sqrtX
		if sqrt == nil {
			sqrt = snap.SqrtPriceX96
		}
		price := univ3.PriceFromSqrtX96(sqrt, snap.Decimals0, snap.Decimals1)
		if token == pool.Token0 {
			return weiToHuman(amountWei, snap.Decimals0).Mul(price), ""
		}
		if price.IsZero() {
			return decimal.Zero, "unvalued: zero pool price"
		}
		return weiToHuman(amountWei, snap.Decimals1).Div(price), ""
	}

	// External base: price the amount through the aggregator.
	quote, err := v.router.Quote(ctx, token, base.Address, amountWei)
	if err != nil {
		v.logger.Warn("valuation quote failed",
			"token", token.Hex(), "base", base.Symbol, "error", err)
		return decimal.Zero, "unvalued: no route"
	}
	dec, err := v.tokenDecimals(ctx, rec, base.Address)
	if err != nil {
		return decimal.Zero, "unvalued: base decimals unknown"
	}
	return weiToHuman(quote.AmountOut, dec), ""
}

// GasInBase values a BNB gas fee in the base currency: face value when the
// base is WBNB, through the configured valuation pool when one is set, and
// through an aggregator quote otherwise.
func (v *valuer) GasInBase(ctx context.Context, base types.BaseCurrency, gasWei *big.Int) (decimal.Decimal, string) {
	if gasWei == nil || gasWei.Sign() == 0 {
		return decimal.Zero, ""
	}
	bnb := weiToHuman(gasWei, 18)
	if base.Address == wbnbAddress {
		return bnb, ""
	}
	if v.cfg.ValuationPool != "" {
		if value, err := v.gasViaValuationPool(ctx, base, bnb); err == nil {
			return value, ""
		} else {
			v.logger.Warn("valuation pool conversion failed", "error", err)
		}
	}
	quote, err := v.router.Quote(ctx, wbnbAddress, base.Address, gasWei)
	if err != nil {
		v.logger.Warn("gas valuation failed, recording zero", "base", base.Symbol, "error", err)
		return decimal.Zero, "unvalued: gas"
	}
	dec, err := v.decimalsOf(ctx, base.Address)
	if err != nil {
		return decimal.Zero, "unvalued: base decimals unknown"
	}
	return weiToHuman(quote.AmountOut, dec), ""
}

// gasViaValuationPool converts a BNB amount through the configured
// WBNB/base pool's spot price.
func (v *valuer) gasViaValuationPool(ctx context.Context, base types.BaseCurrency, bnb decimal.Decimal) (decimal.Decimal, error) {
	meta, err := v.valuationPoolMeta(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	slot0, err := v.chain.Slot0(ctx, meta.Address)
	if err != nil {
		return decimal.Zero, err
	}
	dec0, err := v.decimalsOf(ctx, meta.Token0)
	if err != nil {
		return decimal.Zero, err
	}
	dec1, err := v.decimalsOf(ctx, meta.Token1)
	if err != nil {
		return decimal.Zero, err
	}
	price := univ3.PriceFromSqrtX96(slot0.SqrtPriceX96, dec0, dec1)
	switch {
	case meta.Token0 == wbnbAddress && meta.Token1 == base.Address:
		return bnb.Mul(price), nil
	case meta.Token1 == wbnbAddress && meta.Token0 == base.Address:
		if price.IsZero() {
			return decimal.Zero, types.NewFault(types.KindInternal, "zero price in valuation pool")
		}
		return bnb.Div(price), nil
	default:
		return decimal.Zero, types.NewFault(types.KindInvalidConfig,
			"valuation pool %s does not pair WBNB with %s", meta.Address.Hex(), base.Symbol)
	}
}

// tokenDecimals resolves decimals without an RPC round trip when the token
// is a pool side whose snapshot already carries them.
func (v *valuer) tokenDecimals(ctx context.Context, rec *types.InstanceRecord, token common.Address) (int, error) {
	if rec.Snapshot != nil {
		if token == rec.Config.Pool.Token0 {
			return rec.Snapshot.Decimals0, nil
		}
		if token == rec.Config.Pool.Token1 {
			return rec.Snapshot.Decimals1, nil
		}
	}
	return v.decimalsOf(ctx, token)
}

func (v *valuer) decimalsOf(ctx context.Context, token common.Address) (int, error) {
	v.mu.Lock()
	if dec, ok := v.decimals[token]; ok {
		v.mu.Unlock()
		return dec, nil
	}
	v.mu.Unlock()

	dec, err := v.chain.Decimals(ctx, token)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	v.decimals[token] = dec
	v.mu.Unlock()
	return dec, nil
}

func (v *valuer) valuationPoolMeta(ctx context.Context) (*chain.PoolMeta, error) {
	v.mu.Lock()
	if v.vpMeta != nil {
		meta := v.vpMeta
		v.mu.Unlock()
		return meta, nil
	}
	v.mu.Unlock()

	meta, err := v.chain.PoolImmutables(ctx, common.HexToAddress(v.cfg.ValuationPool))
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.vpMeta = meta
	v.mu.Unlock()
	return meta, nil
}
