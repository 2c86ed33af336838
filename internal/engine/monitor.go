package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// positionCheckEvery is the sampling stride for the on-chain position
// existence check during monitoring. Tick reads are cheap; walking the
// position manager is not.
const positionCheckEvery = 10

// monitor polls the pool tick against the position's band until the
// instance is stopped, the position disappears, or the out-of-range timeout
// elapses and the exit path runs.
func (m *machine) monitor(ctx context.Context) {
	rec := m.view()
	if rec.Position == nil {
		m.log.Warn("monitor started without a position")
		return
	}

	interval := rec.Config.MonitorInterval.Std()
	if interval <= 0 {
		interval = m.eng.cfg.Engine.MonitorInterval
	}
	m.log.Info("monitoring position",
		"token_id", rec.Position.TokenID,
		"band", fmt.Sprintf("[%d, %d]", rec.Position.TickLower, rec.Position.TickUpper),
		"interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	samples := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		samples++
		if m.sample(ctx, samples) {
			return
		}
	}
}

// sample takes one monitor observation. Returns true when monitoring is
// over, either because the exit path ran or the position is gone. A failed
// tick read keeps the position and waits for the next tick.
func (m *machine) sample(ctx context.Context, n int) bool {
	rec := m.view()
	if rec.Position == nil || rec.PositionClosed {
		return true
	}

	slot0, err := m.eng.chain.Slot0(ctx, rec.Config.Pool.Address)
	if err != nil {
		m.log.Warn("tick read failed, holding position", "error", err)
		return false
	}

	now := time.Now()
	obs := observe(rec, slot0.Tick, now)
	m.streamObservation(obs)

	if obs.changed {
		m.mutate(func(r *types.InstanceRecord) {
			r.OutOfRangeSince = obs.OutSince
		})
		if obs.InRange {
			m.log.Info("tick back in range", "tick", obs.Tick)
		} else {
			m.log.Info("tick left the range", "tick", obs.Tick,
				"band", fmt.Sprintf("[%d, %d]", obs.TickLower, obs.TickUpper))
		}
	}

	if obs.exitDue {
		m.log.Info("out-of-range timeout elapsed",
			"tick", obs.Tick, "out_since", obs.OutSince.Format(time.RFC3339))
		m.gracefulExit(types.ExitReasonOutOfRange)
		return true
	}

	if n%positionCheckEvery == 0 {
		return m.confirmPositionAlive(ctx, rec)
	}
	return false
}

// observation is the outcome of one monitor sample against the band.
type observation struct {
	types.TickObservation

	// changed reports an in/out transition that must be persisted.
	changed bool
	// exitDue reports that the configured timeout has fully elapsed while
	// out of range.
	exitDue bool
}

// observe evaluates one tick sample against the record's band and
// out-of-range clock. Pure: the caller applies the returned state.
func observe(rec *types.InstanceRecord, tick int, now time.Time) observation {
	lower := rec.Position.TickLower
	upper := rec.Position.TickUpper
	inRange := tick >= lower && tick < upper

	obs := observation{
		TickObservation: types.TickObservation{
			Tick:       tick,
			TickLower:  lower,
			TickUpper:  upper,
			InRange:    inRange,
			OutSince:   rec.OutOfRangeSince,
			ObservedAt: now,
		},
	}
	switch {
	case inRange && rec.OutOfRangeSince != nil:
		obs.OutSince = nil
		obs.changed = true
	case !inRange && rec.OutOfRangeSince == nil:
		t := now
		obs.OutSince = &t
		obs.changed = true
	case !inRange:
		obs.exitDue = now.Sub(*rec.OutOfRangeSince) >= rec.Config.MonitorTimeout.Std()
	}
	return obs
}

// streamObservation publishes the tick reading as a progress event without
// touching the store; per-sample persistence would grind the disk for no
// recovery value.
func (m *machine) streamObservation(obs observation) {
	state := "in"
	if !obs.InRange {
		state = "out of"
	}
	m.eng.bus.Publish(types.Event{
		Topic:      types.TopicStrategyProgress,
		InstanceID: m.s.id,
		Data: types.Progress{
			Stage:       types.StageMonitor,
			Description: fmt.Sprintf("tick %d %s range [%d, %d]", obs.Tick, state, obs.TickLower, obs.TickUpper),
			Percent:     types.StageMonitor.Percent(),
		},
	})
}

// confirmPositionAlive re-reads the position. A position that no longer
// exists or holds nothing was closed outside this process; the instance
// completes without an exit transaction.
func (m *machine) confirmPositionAlive(ctx context.Context, rec *types.InstanceRecord) bool {
	state, err := m.eng.chain.PositionAt(ctx, rec.Position.TokenID)
	switch {
	case err != nil && types.IsKind(err, types.KindNotFound):
		m.log.Warn("position no longer exists on chain", "token_id", rec.Position.TokenID)
		m.completeExternally(rec.Position.TokenID)
		return true
	case err != nil:
		m.log.Warn("position read failed, holding", "error", err)
		return false
	case state.Empty():
		m.log.Warn("position emptied outside this process", "token_id", rec.Position.TokenID)
		m.completeExternally(rec.Position.TokenID)
		return true
	}
	return false
}

// gracefulExit runs the full close path after the monitor timeout. The
// context is detached: once the decision to exit is made, a user stop or a
// shutdown must not abandon a half-closed position.
func (m *machine) gracefulExit(reason string) {
	m.progress(types.StageExit, "out-of-range timeout, closing position")
	ctx, cancel := context.WithTimeout(context.Background(), m.eng.cfg.Engine.ForceExitDeadline)
	defer cancel()
	if _, err := m.eng.executeForceExit(ctx, m.s, reason); err != nil {
		m.fail(err)
	}
}
