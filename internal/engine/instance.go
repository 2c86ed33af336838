package engine

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

// machine drives one instance through the pipeline. It is the only writer
// of the slot's record while running; readers go through Clone snapshots.
type machine struct {
	eng *Engine
	s   *slot
	log *slog.Logger
}

// run is the machine goroutine body. A cancelled context means the
// scheduler is stopping the instance; the status transition then belongs to
// the caller, so the machine just returns.
func (m *machine) run(ctx context.Context, resume bool) {
	if resume {
		m.log.Info("resuming monitor for existing position")
		m.monitor(ctx)
		return
	}
	if err := m.pipeline(ctx); err != nil {
		if ctx.Err() != nil {
			m.log.Info("machine halted mid-pipeline")
			return
		}
		m.fail(err)
	}
}

// pipeline walks prepare → balance → mint → monitor. Monitor owns its own
// terminal transitions and never returns an error.
func (m *machine) pipeline(ctx context.Context) error {
	plan, err := m.prepare(ctx)
	if err != nil {
		return err
	}
	if err := m.balance(ctx, plan); err != nil {
		return err
	}
	if err := m.mint(ctx, plan); err != nil {
		return err
	}
	m.monitor(ctx)
	return nil
}

// fail parks the instance in Error with the classified fault recorded.
func (m *machine) fail(err error) {
	kind := types.KindOf(err)
	m.log.Error("pipeline failed", "kind", kind, "error", err)
	rec := m.mutate(func(r *types.InstanceRecord) {
		r.Status = types.StatusError
		r.LastError = err.Error()
		r.ErrorKind = string(kind)
	})
	m.eng.publishList(rec)
}

// ————————————————————————————————————————————————————————————————————————
// Record access
// ————————————————————————————————————————————————————————————————————————

// view returns a snapshot of the record.
func (m *machine) view() *types.InstanceRecord {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.rec.Clone()
}

// mutate applies fn under the record lock, persists the result, and
// publishes strategy:update. Persistence failures are logged, not fatal:
// the in-memory record is authoritative while the machine runs and the
// store catches up on the next mutation.
func (m *machine) mutate(fn func(*types.InstanceRecord)) *types.InstanceRecord {
	m.s.mu.Lock()
	fn(m.s.rec)
	m.s.rec.UpdatedAt = time.Now()
	rec := m.s.rec.Clone()
	m.s.mu.Unlock()

	if err := m.eng.store.SaveInstance(rec); err != nil {
		m.log.Error("persist failed", "error", err)
	}
	m.eng.publishUpdate(rec)
	return rec
}

// progress stamps and persists a pipeline stage marker and streams it.
func (m *machine) progress(stage types.Stage, description string) {
	p := types.Progress{Stage: stage, Description: description, Percent: stage.Percent()}
	m.mutate(func(r *types.InstanceRecord) {
		r.Progress = p
	})
	m.eng.bus.Publish(types.Event{
		Topic:      types.TopicStrategyProgress,
		InstanceID: m.s.id,
		Data:       p,
	})
	m.log.Info("progress", "stage", stage, "detail", description)
}

// transition moves the instance to a new status and announces it on the
// list topic as well.
func (m *machine) transition(status types.InstanceStatus) {
	rec := m.mutate(func(r *types.InstanceRecord) {
		r.Status = status
	})
	m.eng.publishList(rec)
}

// ————————————————————————————————————————————————————————————————————————
// History appends
// ————————————————————————————————————————————————————————————————————————

// appendReceipt records a confirmed transaction together with a gas ledger
// row. The fee is valued into the base currency immediately so profit stays
// a pure function of the stored history.
func (m *machine) appendReceipt(ctx context.Context, kind types.TxKind, receipt *ethtypes.Receipt, detail string) {
	if receipt == nil {
		return
	}
	rec := m.view()

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	tx := types.TxRecord{
		Kind:              kind,
		Hash:              receipt.TxHash.Hex(),
		Block:             block,
		Success:           receipt.Status == ethtypes.ReceiptStatusSuccessful,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		Detail:            detail,
		Timestamp:         time.Now(),
	}
	m.appendGasCharge(ctx, rec, tx)
}

// appendGas records a transaction whose gas figures came from somewhere
// other than a receipt, such as the aggregator's swap report.
func (m *machine) appendGas(ctx context.Context, kind types.TxKind, hash string, gasUsed uint64, gasPrice *big.Int, detail string) {
	rec := m.view()
	tx := types.TxRecord{
		Kind:              kind,
		Hash:              hash,
		Success:           true,
		GasUsed:           gasUsed,
		EffectiveGasPrice: gasPrice,
		Detail:            detail,
		Timestamp:         time.Now(),
	}
	m.appendGasCharge(ctx, rec, tx)
}

func (m *machine) appendGasCharge(ctx context.Context, rec *types.InstanceRecord, tx types.TxRecord) {
	gasWei := tx.GasCostWei()
	gasBase, note := m.eng.valuer.GasInBase(ctx, rec.Base, gasWei)
	tx.GasCostBase = gasBase

	entry := types.LedgerEntry{
		Timestamp: tx.Timestamp,
		Kind:      types.LedgerGas,
		Flow:      types.FlowOut,
		Token:     wbnbAddress,
		Symbol:    "BNB",
		Amount:    weiToHuman(gasWei, 18),
		BaseValue: gasBase,
		Note:      note,
	}
	m.mutate(func(r *types.InstanceRecord) {
		r.Txs = append(r.Txs, tx)
		r.Ledger = append(r.Ledger, entry)
	})
}

// appendSwap records an executed aggregator swap.
func (m *machine) appendSwap(swap types.SwapRecord) {
	m.mutate(func(r *types.InstanceRecord) {
		r.Swaps = append(r.Swaps, swap)
	})
}

// appendLedger records one valuation row.
func (m *machine) appendLedger(entry types.LedgerEntry) {
	m.mutate(func(r *types.InstanceRecord) {
		r.Ledger = append(r.Ledger, entry)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Unit conversions
// ————————————————————————————————————————————————————————————————————————

// humanToWei converts a human-unit amount into integer wei, truncating any
// sub-wei fraction.
func humanToWei(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).BigInt()
}

// weiToHuman converts integer wei into human units.
func weiToHuman(wei *big.Int, decimals int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Shift(int32(-decimals))
}
