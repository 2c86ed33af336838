// Package config defines all configuration for the liquidity engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via RANGEBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Gas        GasConfig        `mapstructure:"gas"`
	Engine     EngineConfig     `mapstructure:"engine"`
	PnL        PnLConfig        `mapstructure:"pnl"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ChainConfig holds the RPC ladder and the fixed contract addresses for the
// target chain. Reads walk RPCEndpoints in order on transient failures;
// writes always go to the first endpoint.
type ChainConfig struct {
	RPCEndpoints    []string `mapstructure:"rpc_endpoints"`
	ChainID         int64    `mapstructure:"chain_id"`
	PositionManager string   `mapstructure:"position_manager"`
	Factory         string   `mapstructure:"factory"`

	RequestTimeout      time.Duration `mapstructure:"request_timeout"`       // per RPC attempt
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`       // total wait for a mined tx
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"` // receipt polling cadence
}

// WalletConfig holds the signing key. The key never appears in the config
// file in production; it is injected via RANGEBOT_PRIVATE_KEY.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// AggregatorConfig points at the DEX aggregator used for shortfall and exit
// swaps.
type AggregatorConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retry_count"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// GasConfig tunes the gas oracle: the plausibility band, the cache
// freshness budget, and the conservative default used when every endpoint
// fails with a stale cache.
type GasConfig struct {
	MinGwei        float64       `mapstructure:"min_gwei"`
	MaxGwei        float64       `mapstructure:"max_gwei"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	DefaultGwei    float64       `mapstructure:"default_gwei"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// EngineConfig tunes the scheduler and the per-instance pipeline.
//
//   - MonitorInterval: default tick poll cadence while a position is live.
//   - PrepareResampleGap: pause between the two prepare snapshots.
//   - StopGrace: how long a machine may take to wind down after stop.
//   - ForceExitDeadline: wall-clock budget for the force-exit path.
//   - RecoveryWindow: how recent a persisted instance must be to recover.
//   - RecoveryBudget: recovery attempts before parking in error.
//   - EventRetention: per-topic event history depth on the bus.
type EngineConfig struct {
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	PrepareResampleGap time.Duration `mapstructure:"prepare_resample_gap"`
	StopGrace          time.Duration `mapstructure:"stop_grace"`
	ForceExitDeadline  time.Duration `mapstructure:"force_exit_deadline"`
	RecoveryWindow     time.Duration `mapstructure:"recovery_window"`
	RecoveryBudget     int           `mapstructure:"recovery_budget"`
	EventRetention     int           `mapstructure:"event_retention"`
}

// QuoteToken names one recognized quote currency by address.
type QuoteToken struct {
	Symbol  string `mapstructure:"symbol"`
	Address string `mapstructure:"address"`
}

// PnLConfig declares the recognized quote set and the default base currency
// for dual non-base pools. ValuationPool is a WBNB/base pool used to value
// gas costs when the base is not WBNB; leave empty to skip gas conversion.
type PnLConfig struct {
	QuoteTokens   []QuoteToken `mapstructure:"quote_tokens"`
	DefaultBase   string       `mapstructure:"default_base"`
	ValuationPool string       `mapstructure:"valuation_pool"`
}

// StoreConfig sets where instance records are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// APIConfig controls the HTTP + WebSocket control surface.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: RANGEBOT_PRIVATE_KEY, RANGEBOT_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RANGEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("RANGEBOT_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if os.Getenv("RANGEBOT_DRY_RUN") == "true" || os.Getenv("RANGEBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.receipt_timeout", "3m")
	v.SetDefault("chain.receipt_poll_interval", "2s")

	v.SetDefault("aggregator.timeout", "10s")
	v.SetDefault("aggregator.retry_count", 3)
	v.SetDefault("aggregator.rate_limit_rps", 2.0)
	v.SetDefault("aggregator.rate_burst", 4)

	v.SetDefault("gas.min_gwei", 0.05)
	v.SetDefault("gas.max_gwei", 50.0)
	v.SetDefault("gas.cache_ttl", "30s")
	v.SetDefault("gas.default_gwei", 3.0)
	v.SetDefault("gas.attempt_timeout", "5s")

	v.SetDefault("engine.monitor_interval", "10s")
	v.SetDefault("engine.prepare_resample_gap", "2s")
	v.SetDefault("engine.stop_grace", "10s")
	v.SetDefault("engine.force_exit_deadline", "2m")
	v.SetDefault("engine.recovery_window", "24h")
	v.SetDefault("engine.recovery_budget", 3)
	v.SetDefault("engine.event_retention", 256)

	v.SetDefault("pnl.default_base", "USDT")

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set RANGEBOT_PRIVATE_KEY)")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("chain.rpc_endpoints must list at least one endpoint")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required (56 for BSC mainnet)")
	}
	if !common.IsHexAddress(c.Chain.PositionManager) {
		return fmt.Errorf("chain.position_manager must be a hex address")
	}
	if !common.IsHexAddress(c.Chain.Factory) {
		return fmt.Errorf("chain.factory must be a hex address")
	}
	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("aggregator.base_url is required")
	}
	if c.Gas.MinGwei <= 0 || c.Gas.MaxGwei <= c.Gas.MinGwei {
		return fmt.Errorf("gas plausibility band invalid: min %.3f, max %.3f", c.Gas.MinGwei, c.Gas.MaxGwei)
	}
	if c.Gas.DefaultGwei < c.Gas.MinGwei || c.Gas.DefaultGwei > c.Gas.MaxGwei {
		return fmt.Errorf("gas.default_gwei %.3f outside the plausibility band", c.Gas.DefaultGwei)
	}
	if c.Engine.MonitorInterval <= 0 {
		return fmt.Errorf("engine.monitor_interval must be > 0")
	}
	if c.Engine.RecoveryBudget <= 0 {
		return fmt.Errorf("engine.recovery_budget must be > 0")
	}
	if len(c.PnL.QuoteTokens) == 0 {
		return fmt.Errorf("pnl.quote_tokens must list the recognized quote currencies")
	}
	defaultSeen := false
	for _, q := range c.PnL.QuoteTokens {
		if q.Symbol == "" || !common.IsHexAddress(q.Address) {
			return fmt.Errorf("pnl.quote_tokens entry %q needs a symbol and hex address", q.Symbol)
		}
		if strings.EqualFold(q.Symbol, c.PnL.DefaultBase) {
			defaultSeen = true
		}
	}
	if !defaultSeen {
		return fmt.Errorf("pnl.default_base %q is not in pnl.quote_tokens", c.PnL.DefaultBase)
	}
	if c.PnL.ValuationPool != "" && !common.IsHexAddress(c.PnL.ValuationPool) {
		return fmt.Errorf("pnl.valuation_pool must be a hex address when set")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}
