// Package pnl is the profit and loss projection. It classifies each pool's
// base currency, turns closed positions into lifecycle ledger records, and
// serves every report the API exposes.
//
// The tracker never mutates engine state. The engine stamps base-valued
// ledger rows as events happen; everything here is a pure read over those
// rows, so a report can be recomputed from the store alone.
package pnl

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/store"
	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// Tracker resolves base currencies and produces P&L reports.
type Tracker struct {
	logger      *slog.Logger
	store       *store.Store
	bus         *bus.Bus
	quotes      []config.QuoteToken // priority order: first match wins
	defaultBase string
}

// New builds a tracker over the store and event bus. Quote token order in
// the config is the recognition priority.
func New(st *store.Store, eventBus *bus.Bus, cfg config.PnLConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:      logger.With("component", "pnl"),
		store:       st,
		bus:         eventBus,
		quotes:      cfg.QuoteTokens,
		defaultBase: cfg.DefaultBase,
	}
}

// ClassifyBase picks the reporting currency for a pool pair.
//
// Exactly one recognized side makes that side the base (scenario 2). Both
// sides recognized also reports in a pool side, chosen by quote priority.
// Neither side recognized is the dual non-base case (scenario 1): the
// configured default base applies and every valuation goes through swaps.
func (t *Tracker) ClassifyBase(token0, token1 common.Address) (types.BaseCurrency, int) {
	match0 := t.quoteIndex(token0)
	match1 := t.quoteIndex(token1)

	switch {
	case match0 >= 0 && match1 >= 0:
		if match0 <= match1 {
			return t.baseAt(match0, types.SideToken0), 2
		}
		return t.baseAt(match1, types.SideToken1), 2
	case match0 >= 0:
		return t.baseAt(match0, types.SideToken0), 2
	case match1 >= 0:
		return t.baseAt(match1, types.SideToken1), 2
	}

	for i, q := range t.quotes {
		if q.Symbol == t.defaultBase {
			return t.baseAt(i, types.SideExternal), 1
		}
	}
	// Validate() guarantees the default base is configured; this is the
	// zero-config fallback for tests constructing a bare tracker.
	return types.BaseCurrency{Symbol: t.defaultBase, Side: types.SideExternal}, 1
}

// ResolveBase classifies the pair, honoring an explicit override symbol.
// The override must name a configured quote token; its side is resolved
// against the pool pair so an off-pool override still values through swaps.
func (t *Tracker) ResolveBase(token0, token1 common.Address, override string) (types.BaseCurrency, int, error) {
	if override == "" {
		base, scenario := t.ClassifyBase(token0, token1)
		return base, scenario, nil
	}
	for i, q := range t.quotes {
		if !strings.EqualFold(q.Symbol, override) {
			continue
		}
		base := t.baseAt(i, types.SideExternal)
		scenario := 1
		switch base.Address {
		case token0:
			base.Side, scenario = types.SideToken0, 2
		case token1:
			base.Side, scenario = types.SideToken1, 2
		}
		return base, scenario, nil
	}
	return types.BaseCurrency{}, 0, types.NewFault(types.KindInvalidConfig,
		"base override %q is not a recognized quote token", override)
}

func (t *Tracker) quoteIndex(token common.Address) int {
	for i, q := range t.quotes {
		if common.HexToAddress(q.Address) == token {
			return i
		}
	}
	return -1
}

func (t *Tracker) baseAt(i int, side types.TokenSide) types.BaseCurrency {
	return types.BaseCurrency{
		Symbol:  t.quotes[i].Symbol,
		Address: common.HexToAddress(t.quotes[i].Address),
		Side:    side,
	}
}

// OnPositionCreated publishes the provisional cost basis for a fresh
// position. Called synchronously by the engine after the mint lands.
func (t *Tracker) OnPositionCreated(rec *types.InstanceRecord) {
	report := ComputeInstance(rec)
	t.logger.Info("position opened",
		"instance", rec.ID, "base", report.BaseSymbol, "cost_base", report.TotalInBase.String())
	t.publish(rec.ID, report)
}

// OnPositionClosed finalizes the lifecycle for a closed position: computes
// the realized result from the ledger, appends the lifecycle record, and
// publishes the update. Called synchronously by the engine exactly once per
// position close.
func (t *Tracker) OnPositionClosed(rec *types.InstanceRecord) (*types.LifecycleRecord, error) {
	report := ComputeInstance(rec)

	opened, closed := ledgerSpan(rec.Ledger)
	lc := types.LifecycleRecord{
		LifecycleID:  uuid.NewString(),
		InstanceID:   rec.ID,
		Pool:         rec.Config.Pool.Address,
		BaseSymbol:   rec.Base.Symbol,
		OpenedAt:     opened,
		ClosedAt:     closed,
		TotalInBase:  report.TotalInBase,
		TotalOutBase: report.TotalOutBase,
		GasBase:      report.GasBase,
		NetProfit:    report.NetProfit,
		ExitReason:   rec.ExitReason,
	}
	if err := t.store.AppendLifecycle(lc); err != nil {
		return nil, fmt.Errorf("append lifecycle for %s: %w", rec.ID, err)
	}

	t.logger.Info("lifecycle closed",
		"instance", rec.ID, "lifecycle", lc.LifecycleID,
		"net_profit", lc.NetProfit.String(), "base", lc.BaseSymbol, "exit_reason", lc.ExitReason)
	t.publish(rec.ID, report)
	return &lc, nil
}

func (t *Tracker) publish(instanceID string, report *InstanceReport) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(types.Event{
		Topic:      types.TopicPnLUpdated,
		InstanceID: instanceID,
		Data:       report,
	})
}

// ledgerSpan derives the open and close timestamps from the ledger rows.
func ledgerSpan(entries []types.LedgerEntry) (time.Time, time.Time) {
	var opened, closed time.Time
	for _, e := range entries {
		if opened.IsZero() || e.Timestamp.Before(opened) {
			opened = e.Timestamp
		}
		if e.Timestamp.After(closed) {
			closed = e.Timestamp
		}
	}
	return opened, closed
}
