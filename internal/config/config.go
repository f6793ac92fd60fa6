// Package config defines all configuration for the trade orchestrator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ORCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Bus        BusConfig        `mapstructure:"bus"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Strategies map[string]StrategyDefaults `mapstructure:"strategies"`
	Filter     FilterConfig     `mapstructure:"cross_strategy"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BusConfig holds NATS connection parameters and the JetStream KV buckets
// used as the durable key/value side-channel.
type BusConfig struct {
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"` // connection name shown in NATS monitoring
	StateBucket     string        `mapstructure:"state_bucket"`
	LifecycleBucket string        `mapstructure:"lifecycle_bucket"`
	LifecycleTTL    time.Duration `mapstructure:"lifecycle_ttl"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
}

// TradingConfig sets the global flag and hard business limits.
//
//   - EnabledAtStart: initial state of the trading flag (flippable via HTTP).
//   - AccountID:      broker account used on ORDER_REQUEST messages.
//   - MaxPositionSize: max absolute contracts per underlying.
//   - MaxDailyLoss:    realized+unrealized loss that stops new entries.
//   - AllowReversals:  whether a signal opposite to the live position is accepted.
type TradingConfig struct {
	EnabledAtStart  bool    `mapstructure:"enabled_at_start"`
	AccountID       string  `mapstructure:"account_id"`
	MaxPositionSize int     `mapstructure:"max_position_size"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
	AllowReversals  bool    `mapstructure:"allow_reversals"`
}

// SizingConfig controls logical-quantity → contract conversion.
// Method is "fixed" or "risk". BackendURL points at the account service that
// serves balance and risk settings; when unreachable the last-known values
// are reused.
type SizingConfig struct {
	Method         string        `mapstructure:"method"`
	FixedQuantity  int           `mapstructure:"fixed_quantity"`
	ContractFamily string        `mapstructure:"contract_family"` // "auto", "micro", "full"
	RiskPct        float64       `mapstructure:"risk_pct"`
	MaxContracts   int           `mapstructure:"max_contracts"`
	BackendURL     string        `mapstructure:"backend_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ContractsConfig seeds the front-month table used before the persisted
// contracts:mappings key has been written.
type ContractsConfig struct {
	FrontMonth map[string]string `mapstructure:"front_month"` // family → concrete, e.g. NQ: NQH6
}

// StrategyDefaults are per-strategy fallbacks applied when a re-matched
// signal context lacks breakeven parameters after a full sync.
type StrategyDefaults struct {
	BreakevenTrigger float64 `mapstructure:"breakeven_trigger"`
	BreakevenOffset  float64 `mapstructure:"breakeven_offset"`
}

// FilterConfig tunes the cross-strategy filter.
//
//   - AllowSameDirection: two strategies may hold the same underlying when
//     their directions agree.
//   - Multipliers: optional per-strategy quantity multipliers applied on
//     admission (e.g. scalpers sized down while a swing position is open).
type FilterConfig struct {
	AllowSameDirection bool               `mapstructure:"allow_same_direction"`
	Multipliers        map[string]float64 `mapstructure:"multipliers"`
}

// ReconcileConfig controls broker reconciliation behavior.
type ReconcileConfig struct {
	Freshness      time.Duration `mapstructure:"freshness"`       // max age before a new entry forces a sync
	SyncTimeout    time.Duration `mapstructure:"sync_timeout"`    // max wait for a requested sync
	PriceTolerance float64       `mapstructure:"price_tolerance"` // points, stash re-match
	TimeTolerance  time.Duration `mapstructure:"time_tolerance"`  // stash re-match
	LinkTolerance  float64       `mapstructure:"link_tolerance"`  // points, bracket order linking
}

// APIConfig controls the read-only HTTP surface.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ORCH_BUS_URL, ORCH_ACCOUNT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORCH")
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
	if url := os.Getenv("ORCH_BUS_URL"); url != "" {
		cfg.Bus.URL = url
	}
	if acct := os.Getenv("ORCH_ACCOUNT_ID"); acct != "" {
		cfg.Trading.AccountID = acct
	}
	if os.Getenv("ORCH_DRY_RUN") == "true" || os.Getenv("ORCH_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.name", "trade-orchestrator")
	v.SetDefault("bus.state_bucket", "orchestrator-state")
	v.SetDefault("bus.lifecycle_bucket", "orchestrator-lifecycles")
	v.SetDefault("bus.lifecycle_ttl", 7*24*time.Hour)
	v.SetDefault("bus.reconnect_wait", 2*time.Second)

	v.SetDefault("trading.max_position_size", 5)
	v.SetDefault("trading.max_daily_loss", 1000.0)

	v.SetDefault("sizing.method", "fixed")
	v.SetDefault("sizing.fixed_quantity", 1)
	v.SetDefault("sizing.contract_family", "auto")
	v.SetDefault("sizing.max_contracts", 10)
	v.SetDefault("sizing.timeout", 5*time.Second)

	v.SetDefault("reconcile.freshness", 30*time.Second)
	v.SetDefault("reconcile.sync_timeout", 10*time.Second)
	v.SetDefault("reconcile.price_tolerance", 10.0)
	v.SetDefault("reconcile.time_tolerance", 5*time.Minute)
	v.SetDefault("reconcile.link_tolerance", 1.0)

	v.SetDefault("api.port", 8085)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required (set ORCH_BUS_URL)")
	}
	if c.Trading.AccountID == "" {
		return fmt.Errorf("trading.account_id is required (set ORCH_ACCOUNT_ID)")
	}
	if c.Trading.MaxPositionSize <= 0 {
		return fmt.Errorf("trading.max_position_size must be > 0")
	}
	switch c.Sizing.Method {
	case "fixed", "risk":
	default:
		return fmt.Errorf("sizing.method must be one of: fixed, risk")
	}
	switch c.Sizing.ContractFamily {
	case "auto", "micro", "full":
	default:
		return fmt.Errorf("sizing.contract_family must be one of: auto, micro, full")
	}
	if c.Sizing.Method == "risk" {
		if c.Sizing.RiskPct <= 0 || c.Sizing.RiskPct >= 1 {
			return fmt.Errorf("sizing.risk_pct must be in (0, 1)")
		}
		if c.Sizing.BackendURL == "" {
			return fmt.Errorf("sizing.backend_url is required for risk-based sizing")
		}
	}
	if c.Sizing.MaxContracts <= 0 {
		return fmt.Errorf("sizing.max_contracts must be > 0")
	}
	if c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0")
	}
	return nil
}
