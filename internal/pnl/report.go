package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// InstanceReport is the P&L roll-up for one instance, computed from its
// ledger. Open positions report provisional numbers: TotalOutBase only grows
// once the exit path runs, so NetProfit is meaningful at terminal status.
type InstanceReport struct {
	InstanceID string               `json:"instanceId"`
	Status     types.InstanceStatus `json:"status"`
	BaseSymbol string               `json:"baseSymbol"`
	Scenario   int                  `json:"scenario"`
	Open       bool                 `json:"open"`

	TotalInBase  decimal.Decimal `json:"totalInBase"`
	TotalOutBase decimal.Decimal `json:"totalOutBase"`
	GasBase      decimal.Decimal `json:"gasBase"`
	NetProfit    decimal.Decimal `json:"netProfit"`

	SwapCount int `json:"swapCount"`
	TxCount   int `json:"txCount"`

	ExitReason string    `json:"exitReason,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// InstanceDetail is the per-instance report plus the raw histories behind it.
type InstanceDetail struct {
	InstanceReport
	Ledger []types.LedgerEntry `json:"ledger"`
	Swaps  []types.SwapRecord  `json:"swaps"`
	Txs    []types.TxRecord    `json:"txs"`
}

// BaseTotals aggregates closed lifecycles for one base currency. Bases are
// never summed across each other; a report carries one BaseTotals per base.
type BaseTotals struct {
	BaseSymbol string `json:"baseSymbol"`
	Lifecycles int    `json:"lifecycles"`
	Wins       int    `json:"wins"`
	Losses     int    `json:"losses"`

	TotalInBase  decimal.Decimal `json:"totalInBase"`
	TotalOutBase decimal.Decimal `json:"totalOutBase"`
	GasBase      decimal.Decimal `json:"gasBase"`
	NetProfit    decimal.Decimal `json:"netProfit"`
}

// Summary is the global P&L view: realized results per base currency plus
// the provisional state of every open instance.
type Summary struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Realized    map[string]*BaseTotals `json:"realized"`
	Open        []*InstanceReport      `json:"open"`
}

// LifecycleSummary aggregates the closed-lifecycle ledger per base currency.
type LifecycleSummary struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Lifecycles  int                    `json:"lifecycles"`
	Bases       map[string]*BaseTotals `json:"bases"`
}

// ComputeInstance rolls an instance's ledger into a report. Pure: two calls
// over the same record produce identical numbers.
func ComputeInstance(rec *types.InstanceRecord) *InstanceReport {
	report := &InstanceReport{
		InstanceID: rec.ID,
		Status:     rec.Status,
		BaseSymbol: rec.Base.Symbol,
		Scenario:   rec.Scenario,
		Open:       !rec.Status.Terminal(),
		SwapCount:  len(rec.Swaps),
		TxCount:    len(rec.Txs),
		ExitReason: rec.ExitReason,
		UpdatedAt:  rec.UpdatedAt,
	}
	report.TotalInBase, report.TotalOutBase, report.GasBase = sumLedger(rec.Ledger)
	report.NetProfit = report.TotalOutBase.Sub(report.TotalInBase).Sub(report.GasBase)
	return report
}

// sumLedger splits ledger rows into cost, return, and gas totals. Gas rows
// are kept out of the in/out columns so netProfit subtracts them once.
func sumLedger(entries []types.LedgerEntry) (in, out, gas decimal.Decimal) {
	for _, e := range entries {
		if e.Kind == types.LedgerGas {
			gas = gas.Add(e.BaseValue)
			continue
		}
		switch e.Flow {
		case types.FlowIn:
			in = in.Add(e.BaseValue)
		case types.FlowOut:
			out = out.Add(e.BaseValue)
		}
	}
	return in, out, gas
}

// Instance returns the detail report for one stored instance.
func (t *Tracker) Instance(id string) (*InstanceDetail, error) {
	rec, err := t.store.LoadInstance(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.NewFault(types.KindNotFound, "instance %s not found", id)
	}
	return &InstanceDetail{
		InstanceReport: *ComputeInstance(rec),
		Ledger:         rec.Ledger,
		Swaps:          rec.Swaps,
		Txs:            rec.Txs,
	}, nil
}

// All reports every stored instance, oldest first.
func (t *Tracker) All() ([]*InstanceReport, error) {
	recs, err := t.store.ListInstances()
	if err != nil {
		return nil, err
	}
	out := make([]*InstanceReport, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ComputeInstance(rec))
	}
	return out, nil
}

// Summary aggregates realized lifecycles per base and lists open instances
// with their provisional cost basis.
func (t *Tracker) Summary() (*Summary, error) {
	lcs, err := t.store.ListLifecycles()
	if err != nil {
		return nil, err
	}
	recs, err := t.store.ListInstances()
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		GeneratedAt: time.Now(),
		Realized:    totalsByBase(lcs),
		Open:        make([]*InstanceReport, 0),
	}
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		sum.Open = append(sum.Open, ComputeInstance(rec))
	}
	return sum, nil
}

// Lifecycle returns one closed-lifecycle record by its id.
func (t *Tracker) Lifecycle(id string) (*types.LifecycleRecord, error) {
	lcs, err := t.store.ListLifecycles()
	if err != nil {
		return nil, err
	}
	for i := range lcs {
		if lcs[i].LifecycleID == id {
			return &lcs[i], nil
		}
	}
	return nil, types.NewFault(types.KindNotFound, "lifecycle %s not found", id)
}

// LifecycleSummary aggregates every closed lifecycle per base currency.
func (t *Tracker) LifecycleSummary() (*LifecycleSummary, error) {
	lcs, err := t.store.ListLifecycles()
	if err != nil {
		return nil, err
	}
	return &LifecycleSummary{
		GeneratedAt: time.Now(),
		Lifecycles:  len(lcs),
		Bases:       totalsByBase(lcs),
	}, nil
}

func totalsByBase(lcs []types.LifecycleRecord) map[string]*BaseTotals {
	out := make(map[string]*BaseTotals)
	for _, lc := range lcs {
		bt := out[lc.BaseSymbol]
		if bt == nil {
			bt = &BaseTotals{BaseSymbol: lc.BaseSymbol}
			out[lc.BaseSymbol] = bt
		}
		bt.Lifecycles++
		if lc.NetProfit.IsNegative() {
			bt.Losses++
		} else {
			bt.Wins++
		}
		bt.TotalInBase = bt.TotalInBase.Add(lc.TotalInBase)
		bt.TotalOutBase = bt.TotalOutBase.Add(lc.TotalOutBase)
		bt.GasBase = bt.GasBase.Add(lc.GasBase)
		bt.NetProfit = bt.NetProfit.Add(lc.NetProfit)
	}
	return out
}
