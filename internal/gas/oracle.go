// Package gas provides the chain gas price with a fallback ladder. Every
// submit path prices transactions through here: ladder of RPC suggestions,
// plausibility band, short-lived cache, and a conservative default when the
// chain is unreachable and the cache has gone stale.
package gas

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Nazkun-hub/pancake-sub000/internal/config"
)

// priceBumpPct is added on top of the suggested price for every submit so
// transactions do not sit at the exact market rate.
const priceBumpPct = 10

// Source provides a gas price suggestion in wei. *ethclient.Client
// satisfies this.
type Source interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*big.Int, error)

func (f SourceFunc) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f(ctx) }

// Oracle walks a ladder of gas price sources and caches the last good
// answer. Safe for concurrent use.
type Oracle struct {
	logger  *slog.Logger
	sources []Source
	names   []string

	minGwei        float64
	maxGwei        float64
	defaultGwei    float64
	attemptTimeout time.Duration
	cacheTTL       time.Duration

	mu       sync.Mutex
	cached   float64
	cachedAt time.Time

	now func() time.Time
}

// New builds an oracle over the given sources. names parallel the sources
// for logging; short slices are tolerated.
func New(logger *slog.Logger, cfg config.GasConfig, sources []Source, names []string) *Oracle {
	return &Oracle{
		logger:         logger.With("component", "gas"),
		sources:        sources,
		names:          names,
		minGwei:        cfg.MinGwei,
		maxGwei:        cfg.MaxGwei,
		defaultGwei:    cfg.DefaultGwei,
		attemptTimeout: cfg.AttemptTimeout,
		cacheTTL:       cfg.CacheTTL,
		now:            time.Now,
	}
}

// CurrentGwei returns the current gas price in Gwei. The ladder is tried in
// order with a hard per-attempt timeout; the first plausible answer wins and
// refreshes the cache. When every source fails, a cache entry younger than
// the freshness budget is returned; past that, the configured conservative
// default.
func (o *Oracle) CurrentGwei(ctx context.Context) float64 {
	for i, src := range o.sources {
		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
		wei, err := src.SuggestGasPrice(attemptCtx)
		cancel()
		if err != nil {
			o.logger.Debug("gas source failed", "source", o.sourceName(i), "error", err)
			continue
		}
		gwei := weiToGwei(wei)
		if gwei < o.minGwei || gwei > o.maxGwei {
			o.logger.Warn("gas source answer outside plausibility band",
				"source", o.sourceName(i), "gwei", gwei)
			continue
		}
		o.mu.Lock()
		o.cached = gwei
		o.cachedAt = o.now()
		o.mu.Unlock()
		return gwei
	}

	o.mu.Lock()
	cached, cachedAt := o.cached, o.cachedAt
	o.mu.Unlock()
	if cached > 0 && o.now().Sub(cachedAt) <= o.cacheTTL {
		o.logger.Warn("all gas sources failed, using cached price", "gwei", cached)
		return cached
	}

	o.logger.Warn("all gas sources failed with stale cache, using default", "gwei", o.defaultGwei)
	return o.defaultGwei
}

// EffectiveWei returns CurrentGwei with the submit bump applied, converted
// to wei and rounded up. Decimal arithmetic keeps thirds-of-a-gwei exact;
// float rounding here would overpay by a wei on every submit.
func (o *Oracle) EffectiveWei(ctx context.Context) *big.Int {
	return BumpWei(o.CurrentGwei(ctx))
}

// BumpWei converts a Gwei price to wei with the submit bump, rounding up.
func BumpWei(gwei float64) *big.Int {
	d := decimal.NewFromFloat(gwei).
		Mul(decimal.New(100+priceBumpPct, -2)). // × 1.10
		Mul(decimal.New(1, 9))                  // Gwei → wei
	return d.Ceil().BigInt()
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(wei, -9).Float64()
	return f
}

func (o *Oracle) sourceName(i int) string {
	if i < len(o.names) {
		return o.names[i]
	}
	return "unnamed"
}
