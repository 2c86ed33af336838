package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/univ3"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const (
	// maxExitAttempts bounds the decrease+collect+burn submissions. Each
	// retry re-reads the position first so a landed-but-unconfirmed attempt
	// is not doubled.
	maxExitAttempts = 3
	exitRetryPause  = 2 * time.Second

	// exitDeadline bounds how long the close multicall may sit in the
	// mempool.
	exitDeadline      = 10 * time.Minute
	exitGasFactor     = 1.5
	recoveryScanLimit = 20
)

// executeForceExit closes a position: decrease all liquidity, collect
// everything owed, burn the NFT, then convert the leftover non-target side.
// It is idempotent; exitMu serializes it against a concurrent close from
// the monitor path, and the PositionClosed flag guarantees position.closed
// fires exactly once per lifecycle.
func (e *Engine) executeForceExit(ctx context.Context, s *slot, reason string) (*types.ForceExitResult, error) {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()

	m := &machine{eng: e, s: s, log: e.logger.With("instance", s.id)}
	rec := m.view()

	result := &types.ForceExitResult{
		InstanceID: s.id,
		ExitReason: reason,
		Amount0:    new(big.Int),
		Amount1:    new(big.Int),
	}
	if rec.Position == nil || rec.PositionClosed {
		result.AlreadyClosed = true
		m.log.Info("force exit: nothing to close")
		return result, nil
	}

	tokenID := rec.Position.TokenID
	m.log.Info("force exit started", "token_id", tokenID, "reason", reason)
	m.progress(types.StageExit, "reading position")

	state, err := e.chain.PositionAt(ctx, tokenID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			m.log.Warn("position already gone from chain", "token_id", tokenID)
			result.AlreadyClosed = true
			m.finalizeClose(closeOutcome{
				status:  types.StatusCompleted,
				reason:  types.ExitReasonExternal,
				tokenID: tokenID,
			})
			return result, nil
		}
		return result, err
	}

	var exitRes *chain.ExitResult
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return result, types.WrapFault(types.KindForceExitTimedOut, ctx.Err(),
				"force exit deadline elapsed before attempt %d", attempt)
		}
		exitRes, err = e.exitOnce(ctx, m, rec, state)
		if err == nil {
			break
		}
		if attempt >= maxExitAttempts {
			return result, err
		}
		m.log.Warn("exit attempt failed, re-reading position", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return result, types.WrapFault(types.KindForceExitTimedOut, ctx.Err(),
				"force exit deadline elapsed after %d attempts", attempt)
		case <-time.After(exitRetryPause):
		}
		fresh, rerr := e.chain.PositionAt(ctx, tokenID)
		if rerr != nil {
			if types.IsKind(rerr, types.KindNotFound) {
				// The failed attempt landed after all; amounts are unknown.
				m.log.Warn("position gone after failed attempt, treating as closed", "token_id", tokenID)
				result.Decreased, result.Collected, result.Burned = true, true, true
				m.finalizeClose(closeOutcome{
					status:  types.StatusExited,
					reason:  reason,
					tokenID: tokenID,
				})
				return result, nil
			}
			continue
		}
		state = fresh
	}

	result.Decreased = state.Liquidity.Sign() > 0
	result.Collected = !state.Empty()
	result.Burned = exitRes.Burned
	result.Amount0 = exitRes.Collected0
	result.Amount1 = exitRes.Collected1

	m.appendReceipt(ctx, types.TxMulticall, exitRes.Receipt, fmt.Sprintf(
		"exit token %s: decreased %s/%s collected %s/%s burned %v",
		tokenID, exitRes.Decreased0, exitRes.Decreased1, exitRes.Collected0, exitRes.Collected1, exitRes.Burned))
	m.recordExitRows(ctx, exitRes)

	result.Swapped = m.exitRemainderSwap(ctx, exitRes)

	m.finalizeClose(closeOutcome{
		status:  types.StatusExited,
		reason:  reason,
		tokenID: tokenID,
		amount0: exitRes.Collected0,
		amount1: exitRes.Collected1,
	})
	m.log.Info("force exit complete",
		"token_id", tokenID,
		"amount0", exitRes.Collected0, "amount1", exitRes.Collected1,
		"swapped", result.Swapped)
	return result, nil
}

// exitOnce submits one close-out multicall sized to the position's current
// state: full decrease when liquidity remains, collect while anything is
// owed, burn-only when the position is already empty.
func (e *Engine) exitOnce(ctx context.Context, m *machine, rec *types.InstanceRecord, state *chain.PositionState) (*chain.ExitResult, error) {
	if e.cfg.DryRun {
		m.log.Info("DRY-RUN: would exit position",
			"token_id", state.TokenID, "liquidity", state.Liquidity.String())
		return e.fabricateExit(ctx, rec, state), nil
	}
	return e.chain.ExitPosition(ctx, chain.ExitParams{
		TokenID:    state.TokenID,
		Liquidity:  state.Liquidity,
		Amount0Min: new(big.Int),
		Amount1Min: new(big.Int),
		Collect:    !state.Empty(),
		Burn:       true,
		Deadline:   time.Now().Add(exitDeadline),
		GasPrice:   e.gas.EffectiveWei(ctx),
		GasFactor:  exitGasFactor,
	})
}

// fabricateExit projects the close-out amounts from the live pool price,
// floored, for dry-run mode.
func (e *Engine) fabricateExit(ctx context.Context, rec *types.InstanceRecord, state *chain.PositionState) *chain.ExitResult {
	res := &chain.ExitResult{
		Decreased0: new(big.Int),
		Decreased1: new(big.Int),
		Burned:     true,
	}
	if state.Liquidity.Sign() > 0 {
		sqrtA, errA := univ3.SqrtRatioAtTick(state.TickLower)
		sqrtB, errB := univ3.SqrtRatioAtTick(state.TickUpper)
		slot0, err := e.chain.Slot0(ctx, rec.Config.Pool.Address)
		if errA == nil && errB == nil && err == nil {
			res.Decreased0, res.Decreased1 = univ3.AmountsForLiquidity(
				slot0.SqrtPriceX96, sqrtA, sqrtB, state.Liquidity, false)
		}
	}
	res.Collected0 = new(big.Int).Add(res.Decreased0, state.TokensOwed0)
	res.Collected1 = new(big.Int).Add(res.Decreased1, state.TokensOwed1)
	return res
}

// recordExitRows writes the return rows: principal per side from the
// decrease, fee income as whatever collect swept beyond it. Values are
// stamped at the exit-time pool price. The remainder swap gets no ledger
// row of its own; these rows already carry the full returned value.
func (m *machine) recordExitRows(ctx context.Context, exitRes *chain.ExitResult) {
	rec := m.view()
	snap := rec.Snapshot
	if snap == nil {
		m.log.Error("no snapshot for exit valuation, skipping return rows")
		return
	}

	var exitSqrt *big.Int
	if slot0, err := m.eng.chain.Slot0(ctx, rec.Config.Pool.Address); err == nil {
		exitSqrt = slot0.SqrtPriceX96
	} else {
		m.log.Warn("exit price read failed, valuing at entry price", "error", err)
	}

	now := time.Now()
	pool := rec.Config.Pool
	sides := []struct {
		token     common.Address
		symbol    string
		dec       int
		decreased *big.Int
		collected *big.Int
	}{
		{pool.Token0, snap.Symbol0, snap.Decimals0, exitRes.Decreased0, exitRes.Collected0},
		{pool.Token1, snap.Symbol1, snap.Decimals1, exitRes.Decreased1, exitRes.Collected1},
	}
	for _, side := range sides {
		if side.decreased != nil && side.decreased.Sign() > 0 {
			value, note := m.eng.valuer.TokenInBase(ctx, rec, side.token, side.decreased, exitSqrt)
			m.appendLedger(types.LedgerEntry{
				Timestamp: now,
				Kind:      types.LedgerWithdraw,
				Flow:      types.FlowOut,
				Token:     side.token,
				Symbol:    side.symbol,
				Amount:    weiToHuman(side.decreased, side.dec),
				BaseValue: value,
				Note:      note,
			})
		}
		fees := new(big.Int).Sub(orZeroBig(side.collected), orZeroBig(side.decreased))
		if fees.Sign() > 0 {
			value, note := m.eng.valuer.TokenInBase(ctx, rec, side.token, fees, exitSqrt)
			m.appendLedger(types.LedgerEntry{
				Timestamp: now,
				Kind:      types.LedgerCollect,
				Flow:      types.FlowOut,
				Token:     side.token,
				Symbol:    side.symbol,
				Amount:    weiToHuman(fees, side.dec),
				BaseValue: value,
				Note:      note,
			})
		}
	}
}

// exitRemainderSwap converts the returned amount of the non-target side
// into the configured exit token (default: the base side). A failed swap
// leaves the tokens in the wallet and never fails the exit.
func (m *machine) exitRemainderSwap(ctx context.Context, exitRes *chain.ExitResult) bool {
	rec := m.view()
	snap := rec.Snapshot
	pool := rec.Config.Pool

	target := rec.Config.ExitToken
	if target == "" {
		target = rec.Base.Side
	}
	var from, to common.Address
	var amount *big.Int
	switch target {
	case types.SideToken0:
		from, to, amount = pool.Token1, pool.Token0, exitRes.Collected1
	case types.SideToken1:
		from, to, amount = pool.Token0, pool.Token1, exitRes.Collected0
	default:
		// No pool side to sweep into; the wallet keeps both sides.
		return false
	}
	if amount == nil || amount.Sign() == 0 {
		return false
	}

	quote, err := m.eng.router.Quote(ctx, from, to, amount)
	if err != nil {
		m.log.Warn("remainder quote failed, keeping tokens", "error", err)
		return false
	}
	outcome, err := m.eng.router.Swap(ctx, quote, rec.Config.SwapSlippagePct)
	if err != nil {
		m.log.Warn("remainder swap failed, keeping tokens", "error", err)
		return false
	}

	symFrom, symTo := symbolsFor(snap, pool, from)
	baseIn, _ := m.eng.valuer.TokenInBase(ctx, rec, from, outcome.AmountIn, nil)
	baseOut, _ := m.eng.valuer.TokenInBase(ctx, rec, to, outcome.AmountOut, nil)
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
		Timestamp:  time.Now(),
	})
	if !m.eng.cfg.DryRun {
		m.appendGas(ctx, types.TxSwap, outcome.TxHash, outcome.GasUsed, outcome.EffectiveGasPrice,
			fmt.Sprintf("remainder swap %s -> %s", symFrom, symTo))
	}
	return true
}

// closeOutcome is what finalizeClose stamps onto the record and announces.
type closeOutcome struct {
	status  types.InstanceStatus
	reason  string
	tokenID *big.Int
	amount0 *big.Int
	amount1 *big.Int
}

// finalizeClose marks the lifecycle closed exactly once: flag set and
// persisted before the event goes out, then the tracker archives the
// lifecycle ledger synchronously.
func (m *machine) finalizeClose(o closeOutcome) {
	rec := m.mutate(func(r *types.InstanceRecord) {
		r.Status = o.status
		r.ExitReason = o.reason
		r.PositionClosed = true
		r.Position = nil
		r.OutOfRangeSince = nil
		r.Progress = types.Progress{Stage: types.StageExit, Description: "position closed", Percent: 100}
	})
	m.eng.bus.Publish(types.Event{
		Topic:      types.TopicPositionClosed,
		InstanceID: m.s.id,
		Data: types.PositionClosedData{
			TokenID:    o.tokenID,
			Amount0:    orZeroBig(o.amount0),
			Amount1:    orZeroBig(o.amount1),
			ExitReason: o.reason,
		},
	})
	if _, err := m.eng.tracker.OnPositionClosed(rec); err != nil {
		m.log.Error("lifecycle archive failed", "error", err)
	}
	m.eng.publishList(rec)
}

// completeExternally finishes an instance whose position disappeared
// outside this process. No exit transaction exists, so the close event
// carries zero amounts.
func (m *machine) completeExternally(tokenID *big.Int) {
	m.s.exitMu.Lock()
	defer m.s.exitMu.Unlock()

	rec := m.view()
	if rec.Position == nil || rec.PositionClosed {
		return
	}
	m.finalizeClose(closeOutcome{
		status:  types.StatusCompleted,
		reason:  types.ExitReasonExternal,
		tokenID: tokenID,
	})
}

func symbolsFor(snap *types.MarketSnapshot, pool types.PoolConfig, from common.Address) (string, string) {
	if snap == nil {
		return "", ""
	}
	if from == pool.Token0 {
		return snap.Symbol0, snap.Symbol1
	}
	return snap.Symbol1, snap.Symbol0
}

func orZeroBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
