package engine

import (
	"context"

	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// recoverAll re-adopts instances that were live when the previous process
// died. The store filters for live statuses updated within the recovery
// window; anything older stays parked until the operator looks at it.
func (e *Engine) recoverAll(ctx context.Context) error {
	recs, err := e.store.Recoverable(e.cfg.Engine.RecoveryWindow)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	e.logger.Info("recovering interrupted instances", "count", len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.recoverOne(ctx, rec.ID)
	}
	return nil
}

// recoverOne reconciles one interrupted instance against chain state and
// either resumes monitoring, finishes an interrupted close, or restarts
// the pipeline.
func (e *Engine) recoverOne(ctx context.Context, id string) {
	s, err := e.slot(id)
	if err != nil {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	m := &machine{eng: e, s: s, log: e.logger.With("instance", id)}
	rec := m.view()

	if rec.RecoveryAttempts >= e.cfg.Engine.RecoveryBudget {
		m.log.Error("recovery budget exhausted, parking",
			"attempts", rec.RecoveryAttempts, "budget", e.cfg.Engine.RecoveryBudget)
		parked := m.mutate(func(r *types.InstanceRecord) {
			r.Status = types.StatusError
			r.LastError = "recovery budget exhausted"
			r.ErrorKind = string(types.KindRecoveryBudgetExhausted)
		})
		e.publishList(parked)
		return
	}
	m.mutate(func(r *types.InstanceRecord) {
		r.RecoveryAttempts++
	})
	m.log.Info("recovering instance",
		"status", rec.Status, "attempt", rec.RecoveryAttempts+1)

	switch {
	case rec.Position != nil && !rec.PositionClosed:
		e.recoverWithPosition(ctx, m, rec)
	case rec.Snapshot != nil:
		// Crashed somewhere between prepare and a confirmed mint. A mint
		// whose receipt was lost may have landed; adopt it before paying
		// for a second one.
		if e.adoptOrphanMint(ctx, m, rec) {
			return
		}
		e.restartPipeline(m)
	default:
		e.restartPipeline(m)
	}
}

// recoverWithPosition reconciles a recorded position against the chain.
func (e *Engine) recoverWithPosition(ctx context.Context, m *machine, rec *types.InstanceRecord) {
	state, err := e.chain.PositionAt(ctx, rec.Position.TokenID)
	switch {
	case err != nil && types.IsKind(err, types.KindNotFound):
		m.log.Warn("recorded position gone from chain", "token_id", rec.Position.TokenID)
		m.completeExternally(rec.Position.TokenID)
	case err != nil:
		m.log.Warn("position read failed, retrying on next boot", "error", err)
	case state.Liquidity.Sign() > 0:
		m.log.Info("position alive, resuming monitor", "token_id", rec.Position.TokenID)
		resumed := m.mutate(func(r *types.InstanceRecord) {
			r.Status = types.StatusMonitoring
			r.Position.Liquidity = state.Liquidity
		})
		e.publishList(resumed)
		e.launch(m.s, true)
	default:
		// Decreased but never collected or burned: finish the close.
		m.log.Info("position empty or uncollected, finishing close", "token_id", rec.Position.TokenID)
		exitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ForceExitDeadline)
		defer cancel()
		if _, err := e.executeForceExit(exitCtx, m.s, types.ExitReasonRecovery); err != nil {
			m.fail(err)
		}
	}
}

// adoptOrphanMint scans the wallet's newest positions for a mint matching
// the prepared band. A match means the crash hit between submit and
// persist; the position is adopted instead of minted again.
func (e *Engine) adoptOrphanMint(ctx context.Context, m *machine, rec *types.InstanceRecord) bool {
	owned, err := e.chain.OwnedPositions(ctx, e.chain.Address(), recoveryScanLimit)
	if err != nil {
		m.log.Warn("owned position scan failed", "error", err)
		return false
	}
	snap := rec.Snapshot
	pool := rec.Config.Pool
	for _, ps := range owned {
		if ps.TickLower != snap.TickLower || ps.TickUpper != snap.TickUpper ||
			ps.Fee != pool.Fee || ps.Token0 != pool.Token0 || ps.Token1 != pool.Token1 {
			continue
		}
		if ps.Liquidity.Sign() == 0 {
			continue
		}
		m.log.Info("adopting orphan mint", "token_id", ps.TokenID, "liquidity", ps.Liquidity)
		adopted := m.mutate(func(r *types.InstanceRecord) {
			r.Position = &types.Position{
				TokenID:          ps.TokenID,
				TickLower:        ps.TickLower,
				TickUpper:        ps.TickUpper,
				Liquidity:        ps.Liquidity,
				Fee:              ps.Fee,
				NeedsManualCheck: true,
			}
			r.OutOfRangeSince = nil
			r.Status = types.StatusMonitoring
		})
		e.recordAdoptedEntry(ctx, m, adopted)
		e.bus.Publish(types.Event{
			Topic:      types.TopicPositionCreated,
			InstanceID: m.s.id,
			Data: types.PositionCreatedData{
				TokenID:   ps.TokenID,
				Liquidity: ps.Liquidity,
				Amount0:   snap.Amount0,
				Amount1:   snap.Amount1,
				TickLower: ps.TickLower,
				TickUpper: ps.TickUpper,
			},
		})
		e.tracker.OnPositionCreated(adopted)
		e.publishList(adopted)
		e.launch(m.s, true)
		return true
	}
	return false
}

// recordAdoptedEntry writes deposit rows for an adopted mint. The receipt
// amounts are lost, so the prepared snapshot amounts stand in for them.
func (e *Engine) recordAdoptedEntry(ctx context.Context, m *machine, rec *types.InstanceRecord) {
	snap := rec.Snapshot
	pool := rec.Config.Pool
	p := &plan{
		meta: chain.PoolMeta{
			Address: pool.Address,
			Token0:  pool.Token0,
			Token1:  pool.Token1,
			Fee:     pool.Fee,
		},
		tickLower: snap.TickLower,
		tickUpper: snap.TickUpper,
		dec0:      snap.Decimals0,
		dec1:      snap.Decimals1,
		sym0:      snap.Symbol0,
		sym1:      snap.Symbol1,
	}
	m.recordEntry(ctx, p, snap.Amount0, snap.Amount1, snap.SqrtPriceX96)
}

// restartPipeline reruns an interrupted instance from prepare. Persisted
// swap and gas history stays; the entry accounting subtracts prior swap
// purchases so the rerun never double counts them.
func (e *Engine) restartPipeline(m *machine) {
	m.log.Info("restarting pipeline from prepare")
	restarted := m.mutate(func(r *types.InstanceRecord) {
		r.Status = types.StatusPreparing
		r.OutOfRangeSince = nil
	})
	e.publishList(restarted)
	e.launch(m.s, false)
}
