package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/univ3"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const (
	// maxLpSlippagePct caps the dynamic mint slippage. 100% would accept an
	// empty fill.
	maxLpSlippagePct = 99.9

	// Dynamic slippage grows with the tick drift measured between the
	// prepare snapshot and the mint-time refresh. A still market gets a
	// small cushion instead because zero measured drift only means the poll
	// missed the movement.
	slippagePerTickPct  = 0.001
	maxDriftSlippagePct = 2.0
	stillMarketCushion  = 0.25

	// Gas headroom for the mint submit, widened when the pool is moving.
	mintGasFactorCalm  = 1.5
	mintGasFactorDrift = 1.6
	calmDriftTicks     = 5

	// mintDeadline bounds how long a submitted mint may sit in the mempool.
	mintDeadline = 10 * time.Minute

	// shortfallToleranceBP: a side within a basis point of its requirement
	// does not justify a swap.
	shortfallToleranceBP = 10000
)

// plan carries the verified pool identity and the sized band from prepare
// into the balance and mint stages.
type plan struct {
	meta    chain.PoolMeta
	spacing int

	tickLower int
	tickUpper int

	inputIs0 bool

	dec0, dec1 int
	sym0, sym1 string
}

func (p *plan) inputDecimals() int {
	if p.inputIs0 {
		return p.dec0
	}
	return p.dec1
}

// ————————————————————————————————————————————————————————————————————————
// Stage 1: prepare
// ————————————————————————————————————————————————————————————————————————

// prepare verifies the pool, reads token metadata, samples the price twice
// across the resample gap, derives the aligned band from the second sample
// and sizes both side requirements from the input budget.
func (m *machine) prepare(ctx context.Context) (*plan, error) {
	rec := m.view()
	cfg := rec.Config

	m.progress(types.StagePrepare, "verifying pool")

	meta := chain.PoolMeta{
		Address: cfg.Pool.Address,
		Token0:  cfg.Pool.Token0,
		Token1:  cfg.Pool.Token1,
		Fee:     cfg.Pool.Fee,
	}
	if err := m.eng.chain.VerifyPool(ctx, meta); err != nil {
		return nil, err
	}
	spacing, err := univ3.SpacingForFee(meta.Fee)
	if err != nil {
		return nil, err
	}

	dec0, err := m.eng.chain.Decimals(ctx, meta.Token0)
	if err != nil {
		return nil, err
	}
	dec1, err := m.eng.chain.Decimals(ctx, meta.Token1)
	if err != nil {
		return nil, err
	}
	sym0, err := m.eng.chain.Symbol(ctx, meta.Token0)
	if err != nil {
		return nil, err
	}
	sym1, err := m.eng.chain.Symbol(ctx, meta.Token1)
	if err != nil {
		return nil, err
	}

	first, err := m.eng.chain.Slot0(ctx, meta.Address)
	if err != nil {
		return nil, err
	}
	m.progress(types.StagePrepare, fmt.Sprintf("sampled tick %d, resampling", first.Tick))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.eng.cfg.Engine.PrepareResampleGap):
	}

	second, err := m.eng.chain.Slot0(ctx, meta.Address)
	if err != nil {
		return nil, err
	}
	if second.Tick != first.Tick {
		m.log.Info("tick moved between prepare samples", "first", first.Tick, "second", second.Tick)
	}

	lower, upper, err := univ3.BandForPercents(second.Tick, cfg.LowerPercent, cfg.UpperPercent, spacing)
	if err != nil {
		return nil, err
	}
	if err := univ3.CheckBand(lower, upper, spacing); err != nil {
		return nil, err
	}

	p := &plan{
		meta:      meta,
		spacing:   spacing,
		tickLower: lower,
		tickUpper: upper,
		inputIs0:  cfg.InputToken == meta.Token0,
		dec0:      dec0,
		dec1:      dec1,
		sym0:      sym0,
		sym1:      sym1,
	}
	amount0, amount1, liquidity, err := p.requirements(second.Tick, second.SqrtPriceX96, cfg.InputAmount)
	if err != nil {
		return nil, err
	}

	snap := &types.MarketSnapshot{
		Tick:         second.Tick,
		SqrtPriceX96: second.SqrtPriceX96,
		Decimals0:    dec0,
		Decimals1:    dec1,
		Symbol0:      sym0,
		Symbol1:      sym1,
		TickLower:    lower,
		TickUpper:    upper,
		Amount0:      amount0,
		Amount1:      amount1,
		Liquidity:    liquidity,
		TakenAt:      time.Now(),
	}
	m.mutate(func(r *types.InstanceRecord) {
		r.Snapshot = snap
	})
	m.progress(types.StagePrepare, fmt.Sprintf("band [%d, %d] at tick %d needs %s %s + %s %s",
		lower, upper, second.Tick,
		weiToHuman(amount0, dec0), sym0, weiToHuman(amount1, dec1), sym1))
	return p, nil
}

// requirements sizes the mint for the input budget at the given pool state.
// The band is fixed; only the current price decides how the budget splits
// across the two sides. Outside the band the position is single sided, and
// a budget held in the other token is converted at the band edge where the
// price would enter the range.
func (p *plan) requirements(tick int, sqrtX *big.Int, input decimal.Decimal) (amount0, amount1, liquidity *big.Int, err error) {
	sqrtA, err := univ3.SqrtRatioAtTick(p.tickLower)
	if err != nil {
		return nil, nil, nil, err
	}
	sqrtB, err := univ3.SqrtRatioAtTick(p.tickUpper)
	if err != nil {
		return nil, nil, nil, err
	}

	var liq *big.Int
	switch {
	case tick < p.tickLower:
		// Band above the market: token0 only.
		wei0 := humanToWei(input, p.dec0)
		if !p.inputIs0 {
			price, perr := univ3.PriceAtTick(p.tickLower, p.dec0, p.dec1)
			if perr != nil {
				return nil, nil, nil, perr
			}
			if price.IsZero() {
				return nil, nil, nil, types.NewFault(types.KindInternal, "zero price at tick %d", p.tickLower)
			}
			wei0 = humanToWei(input.Div(price), p.dec0)
		}
		liq = univ3.LiquidityForAmount0(sqrtA, sqrtB, wei0)
	case tick >= p.tickUpper:
		// Band below the market: token1 only.
		wei1 := humanToWei(input, p.dec1)
		if p.inputIs0 {
			price, perr := univ3.PriceAtTick(p.tickUpper, p.dec0, p.dec1)
			if perr != nil {
				return nil, nil, nil, perr
			}
			wei1 = humanToWei(input.Mul(price), p.dec1)
		}
		liq = univ3.LiquidityForAmount1(sqrtA, sqrtB, wei1)
	default:
		if p.inputIs0 {
			liq = univ3.LiquidityForAmount0(sqrtX, sqrtB, humanToWei(input, p.dec0))
		} else {
			liq = univ3.LiquidityForAmount1(sqrtA, sqrtX, humanToWei(input, p.dec1))
		}
	}
	amount0, amount1 = univ3.AmountsForLiquidity(sqrtX, sqrtA, sqrtB, liq, true)
	return amount0, amount1, liq, nil
}

// ————————————————————————————————————————————————————————————————————————
// Stage 2: balance
// ————————————————————————————————————————————————————————————————————————

// balance makes the wallet hold both required sides. The input side must
// already be funded; a shortfall on the other side is bought from the input
// side through the aggregator, with the configured buffer on top. Approvals
// for the position manager run concurrently per side.
func (m *machine) balance(ctx context.Context, p *plan) error {
	m.transition(types.StatusRunning)
	m.progress(types.StageBalance, "checking balances")

	rec := m.view()
	snap := rec.Snapshot

	bal0, err := m.eng.chain.BalanceOf(ctx, p.meta.Token0)
	if err != nil {
		return err
	}
	bal1, err := m.eng.chain.BalanceOf(ctx, p.meta.Token1)
	if err != nil {
		return err
	}

	inputToken, otherToken := p.meta.Token1, p.meta.Token0
	reqIn, reqOther := snap.Amount1, snap.Amount0
	balIn, balOther := bal1, bal0
	symIn, symOther := p.sym1, p.sym0
	decOther := p.dec0
	if p.inputIs0 {
		inputToken, otherToken = p.meta.Token0, p.meta.Token1
		reqIn, reqOther = snap.Amount0, snap.Amount1
		balIn, balOther = bal0, bal1
		symIn, symOther = p.sym0, p.sym1
		decOther = p.dec1
	}

	if balIn.Cmp(reqIn) < 0 {
		return types.NewFault(types.KindInsufficientBalance,
			"%s balance %s below required %s", symIn, balIn, reqIn)
	}

	short := new(big.Int).Sub(reqOther, balOther)
	needSwap := short.Cmp(tolerance(reqOther)) > 0

	var swapIn *big.Int
	if needSwap {
		price := univ3.PriceFromSqrtX96(snap.SqrtPriceX96, p.dec0, p.dec1)
		if price.IsZero() {
			return types.NewFault(types.KindInternal, "zero pool price in snapshot")
		}
		shortHuman := weiToHuman(short, decOther)
		var inHuman decimal.Decimal
		if p.inputIs0 {
			inHuman = shortHuman.Div(price)
		} else {
			inHuman = shortHuman.Mul(price)
		}
		buffer := decimal.NewFromFloat(1 + rec.Config.SwapBufferPct/100)
		swapIn = humanToWei(inHuman.Mul(buffer), p.inputDecimals())

		headroom := new(big.Int).Sub(balIn, reqIn)
		if headroom.Cmp(swapIn) < 0 {
			return types.NewFault(types.KindInsufficientBalance,
				"%s headroom %s cannot fund the %s shortfall swap of %s",
				symIn, headroom, symOther, swapIn)
		}
		m.progress(types.StageBalance, fmt.Sprintf("buying %s %s with %s %s",
			weiToHuman(short, decOther), symOther, weiToHuman(swapIn, p.inputDecimals()), symIn))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if needSwap {
			if err := m.shortfallSwap(ctx, p, inputToken, otherToken, swapIn); err != nil {
				errs <- err
				return
			}
		}
		if reqOther.Sign() > 0 {
			if err := m.ensureAllowance(ctx, otherToken, symOther, reqOther); err != nil {
				errs <- err
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if reqIn.Sign() > 0 {
			if err := m.ensureAllowance(ctx, inputToken, symIn, reqIn); err != nil {
				errs <- err
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	if needSwap && !m.eng.cfg.DryRun {
		fresh, err := m.eng.chain.BalanceOf(ctx, otherToken)
		if err != nil {
			return err
		}
		floor := new(big.Int).Sub(reqOther, tolerance(reqOther))
		if fresh.Cmp(floor) < 0 {
			return types.NewFault(types.KindInsufficientBalance,
				"post-swap %s balance %s still below required %s", symOther, fresh, reqOther)
		}
	}
	m.progress(types.StageBalance, "balances and approvals ready")
	return nil
}

// shortfallSwap buys the missing side through the aggregator and records
// the swap plus its cost row. The swap row carries the base value of the
// spent leg; the mint's deposit rows later subtract what was bought here so
// the entry cost is counted exactly once.
func (m *machine) shortfallSwap(ctx context.Context, p *plan, from, to common.Address, amountIn *big.Int) error {
	rec := m.view()

	quote, err := m.eng.router.Quote(ctx, from, to, amountIn)
	if err != nil {
		return err
	}
	outcome, err := m.eng.router.Swap(ctx, quote, rec.Config.SwapSlippagePct)
	if err != nil {
		return err
	}

	symFrom, symTo := p.sym0, p.sym1
	decFrom := p.dec0
	if from == p.meta.Token1 {
		symFrom, symTo = p.sym1, p.sym0
		decFrom = p.dec1
	}

	baseIn, noteIn := m.eng.valuer.TokenInBase(ctx, rec, from, outcome.AmountIn, nil)
	baseOut, _ := m.eng.valuer.TokenInBase(ctx, rec, to, outcome.AmountOut, nil)

	now := time.Now()
	m.appendSwap(types.SwapRecord{
		FromToken:  from,
		ToToken:    to,
		FromSymbol: symFrom,
		ToSymbol:   symTo,
		AmountIn:   outcome.AmountIn,
		AmountOut:  outcome.AmountOut,
		BaseIn:     baseIn,
		BaseOut:    baseOut,
		TxHash:     outcome.TxHash,
		Timestamp:  now,
	})
	m.appendLedger(types.LedgerEntry{
		Timestamp: now,
		Kind:      types.LedgerSwap,
		Flow:      types.FlowIn,
		Token:     from,
		Symbol:    symFrom,
		Amount:    weiToHuman(outcome.AmountIn, decFrom),
		BaseValue: baseIn,
		Note:      noteIn,
	})
	if !m.eng.cfg.DryRun {
		m.appendGas(ctx, types.TxSwap, outcome.TxHash, outcome.GasUsed, outcome.EffectiveGasPrice,
			fmt.Sprintf("shortfall swap %s -> %s", symFrom, symTo))
	}
	return nil
}

// ensureAllowance approves the position manager for a token when the
// current allowance cannot cover the requirement.
func (m *machine) ensureAllowance(ctx context.Context, token common.Address, symbol string, required *big.Int) error {
	spender := m.eng.chain.PositionManager()
	current, err := m.eng.chain.Allowance(ctx, token, spender)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}
	if m.eng.cfg.DryRun {
		m.log.Info("DRY-RUN: would approve", "token", symbol, "spender", spender.Hex())
		return nil
	}
	receipt, err := m.eng.chain.ApproveMax(ctx, token, spender, m.eng.gas.EffectiveWei(ctx))
	if err != nil {
		return err
	}
	m.appendReceipt(ctx, types.TxApprove, receipt, fmt.Sprintf("approve %s for position manager", symbol))
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Stage 3: mint
// ————————————————————————————————————————————————————————————————————————

// mint refreshes the pool price, resizes the desired amounts at the fresh
// tick with the fixed band, widens the slippage bound by the measured drift
// and submits. The parsed receipt is authoritative for tokenId, liquidity
// and deposited amounts.
func (m *machine) mint(ctx context.Context, p *plan) error {
	m.progress(types.StageMint, "refreshing pool state")
	rec := m.view()
	snap := rec.Snapshot

	fresh, err := m.eng.chain.Slot0(ctx, p.meta.Address)
	if err != nil {
		return err
	}
	drift := fresh.Tick - snap.Tick
	if drift < 0 {
		drift = -drift
	}

	amount0, amount1, liquidity, err := p.requirements(fresh.Tick, fresh.SqrtPriceX96, rec.Config.InputAmount)
	if err != nil {
		return err
	}

	slippage := dynamicSlippage(rec.Config.LpSlippagePct, drift)
	m.progress(types.StageMint, fmt.Sprintf("minting with %.3f%% slippage after %d ticks drift", slippage, drift))

	var result *chain.MintResult
	if m.eng.cfg.DryRun {
		m.log.Info("DRY-RUN: would mint",
			"tick_lower", p.tickLower, "tick_upper", p.tickUpper,
			"amount0", amount0.String(), "amount1", amount1.String(), "liquidity", liquidity.String())
		result = &chain.MintResult{
			TokenID:   big.NewInt(time.Now().UnixNano()),
			Liquidity: liquidity,
			Amount0:   amount0,
			Amount1:   amount1,
		}
	} else {
		result, err = m.eng.chain.MintPosition(ctx, chain.MintParams{
			Pool:           p.meta,
			TickLower:      p.tickLower,
			TickUpper:      p.tickUpper,
			Amount0Desired: amount0,
			Amount1Desired: amount1,
			Amount0Min:     minAfterSlippage(amount0, slippage),
			Amount1Min:     minAfterSlippage(amount1, slippage),
			Deadline:       time.Now().Add(mintDeadline),
			GasPrice:       m.eng.gas.EffectiveWei(ctx),
			GasFactor:      mintGasFactor(drift),
		})
		if err != nil {
			return err
		}
		m.appendReceipt(ctx, types.TxMint, result.Receipt,
			fmt.Sprintf("mint token %s liquidity %s", result.TokenID, result.Liquidity))

		if result.NeedsManualCheck {
			if state, perr := m.eng.chain.PositionAt(ctx, result.TokenID); perr == nil {
				result.Liquidity = state.Liquidity
			} else {
				m.log.Warn("position re-read after fallback parse failed", "error", perr)
			}
		}
	}

	pos := &types.Position{
		TokenID:          result.TokenID,
		TickLower:        p.tickLower,
		TickUpper:        p.tickUpper,
		Liquidity:        result.Liquidity,
		Fee:              p.meta.Fee,
		NeedsManualCheck: result.NeedsManualCheck,
	}
	m.mutate(func(r *types.InstanceRecord) {
		r.Position = pos
		r.OutOfRangeSince = nil
	})
	m.recordEntry(ctx, p, result.Amount0, result.Amount1, fresh.SqrtPriceX96)

	m.log.Info("position minted",
		"token_id", result.TokenID, "liquidity", result.Liquidity,
		"band", fmt.Sprintf("[%d, %d]", p.tickLower, p.tickUpper),
		"manual_check", result.NeedsManualCheck)

	m.transition(types.StatusMonitoring)
	m.eng.bus.Publish(types.Event{
		Topic:      types.TopicPositionCreated,
		InstanceID: m.s.id,
		Data: types.PositionCreatedData{
			TokenID:   result.TokenID,
			Liquidity: result.Liquidity,
			Amount0:   result.Amount0,
			Amount1:   result.Amount1,
			TickLower: p.tickLower,
			TickUpper: p.tickUpper,
		},
	})
	m.eng.tracker.OnPositionCreated(m.view())
	return nil
}

// recordEntry writes the deposit cost rows. Each side's deposit is reduced
// by what the shortfall swap already bought, because the swap row carries
// that cost; only capital that came from the wallet's own holdings is
// valued here.
func (m *machine) recordEntry(ctx context.Context, p *plan, minted0, minted1 *big.Int, sqrtX *big.Int) {
	rec := m.view()
	now := time.Now()

	sides := []struct {
		token  common.Address
		symbol string
		dec    int
		minted *big.Int
	}{
		{p.meta.Token0, p.sym0, p.dec0, minted0},
		{p.meta.Token1, p.sym1, p.dec1, minted1},
	}
	for _, side := range sides {
		if side.minted == nil || side.minted.Sign() == 0 {
			continue
		}
		own := new(big.Int).Sub(side.minted, boughtViaSwaps(rec.Swaps, side.token))
		if own.Sign() <= 0 {
			continue
		}
		value, note := m.eng.valuer.TokenInBase(ctx, rec, side.token, own, sqrtX)
		m.appendLedger(types.LedgerEntry{
			Timestamp: now,
			Kind:      types.LedgerDeposit,
			Flow:      types.FlowIn,
			Token:     side.token,
			Symbol:    side.symbol,
			Amount:    weiToHuman(own, side.dec),
			BaseValue: value,
			Note:      note,
		})
	}
}

// boughtViaSwaps sums what the recorded swaps delivered in the given token.
// Reading it from the persisted history keeps the entry accounting correct
// across a crash between swap and mint.
func boughtViaSwaps(swaps []types.SwapRecord, token common.Address) *big.Int {
	total := new(big.Int)
	for _, s := range swaps {
		if s.ToToken == token && s.AmountOut != nil {
			total.Add(total, s.AmountOut)
		}
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Stage policies
// ————————————————————————————————————————————————————————————————————————

// dynamicSlippage widens the configured mint slippage by the observed tick
// drift, capped, with a fixed cushion when no drift was observed at all.
func dynamicSlippage(basePct float64, driftTicks int) float64 {
	adj := float64(driftTicks) * slippagePerTickPct
	if adj > maxDriftSlippagePct {
		adj = maxDriftSlippagePct
	}
	s := basePct + adj
	if driftTicks == 0 {
		s += stillMarketCushion
	}
	if s > maxLpSlippagePct {
		s = maxLpSlippagePct
	}
	return s
}

// mintGasFactor picks the gas headroom for the mint submit.
func mintGasFactor(driftTicks int) float64 {
	if driftTicks <= calmDriftTicks {
		return mintGasFactorCalm
	}
	return mintGasFactorDrift
}

// minAfterSlippage floors amount × (1 − slippage%), never below zero.
func minAfterSlippage(amount *big.Int, slippagePct float64) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int)
	}
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(slippagePct).Div(decimal.NewFromInt(100)))
	if keep.Sign() <= 0 {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(amount, 0).Mul(keep).BigInt()
}

// tolerance returns the basis-point epsilon under which a requirement
// counts as met.
func tolerance(required *big.Int) *big.Int {
	if required == nil || required.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(required, big.NewInt(shortfallToleranceBP))
}
