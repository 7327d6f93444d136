package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// NegativeStockPolicy decides what happens when a deduction would take a
// stock level below zero.
type NegativeStockPolicy string

const (
	// NegativeStockClamp floors the committed quantity at zero and flags the movement.
	NegativeStockClamp NegativeStockPolicy = "clamp"
	// NegativeStockReject rolls back the whole operation with ErrInsufficientStock.
	NegativeStockReject NegativeStockPolicy = "reject"
)

// EngineConfig holds the policy knobs of the inventory engine.
//
// Set via env (all optional):
// - NEGATIVE_STOCK_POLICY=clamp|reject
// - AUTO_CREATE_STOCK=100
// - CURRENCY_SCALE=2
// - COST_SYNC_DELAY=2s
// - SYNC_QUEUE_PATH=./data/sync-queue.db
// - SYNC_MAX_RETRIES, SYNC_POLL_INTERVAL, SYNC_BASE_BACKOFF, SYNC_MAX_BACKOFF
// - CONFLICT_MAX_RETRIES
// - SCOPE_GUARD_STRICT=true (fail unscoped statements instead of scoping them from context)
type EngineConfig struct {
	NegativeStockPolicy NegativeStockPolicy `env:"NEGATIVE_STOCK_POLICY" envDefault:"clamp"`
	AutoCreateStock     string              `env:"AUTO_CREATE_STOCK" envDefault:"100"`
	CurrencyScale       int32               `env:"CURRENCY_SCALE" envDefault:"2"`
	CostSyncDelay       time.Duration       `env:"COST_SYNC_DELAY" envDefault:"2s"`

	SyncQueuePath    string        `env:"SYNC_QUEUE_PATH" envDefault:"./data/sync-queue.db"`
	SyncMaxRetries   int           `env:"SYNC_MAX_RETRIES" envDefault:"8"`
	SyncPollInterval time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"5s"`
	SyncBaseBackoff  time.Duration `env:"SYNC_BASE_BACKOFF" envDefault:"2s"`
	SyncMaxBackoff   time.Duration `env:"SYNC_MAX_BACKOFF" envDefault:"5m"`

	ConflictMaxRetries int  `env:"CONFLICT_MAX_RETRIES" envDefault:"4"`
	ScopeGuardStrict   bool `env:"SCOPE_GUARD_STRICT" envDefault:"true"`
}

// LoadEngineConfig reads .env (if present) and parses the engine policy.
func LoadEngineConfig() (EngineConfig, error) {
	godotenv.Load()
	var cfg EngineConfig
	if err := env.Parse(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("parse engine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// DefaultEngineConfig mirrors the envDefault values; used by tests and tools.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NegativeStockPolicy: NegativeStockClamp,
		AutoCreateStock:     "100",
		CurrencyScale:       2,
		CostSyncDelay:       2 * time.Second,
		SyncQueuePath:       "./data/sync-queue.db",
		SyncMaxRetries:      8,
		SyncPollInterval:    5 * time.Second,
		SyncBaseBackoff:     2 * time.Second,
		SyncMaxBackoff:      5 * time.Minute,
		ConflictMaxRetries:  4,
		ScopeGuardStrict:    true,
	}
}

func (c EngineConfig) Validate() error {
	switch NegativeStockPolicy(strings.ToLower(string(c.NegativeStockPolicy))) {
	case NegativeStockClamp, NegativeStockReject:
	default:
		return fmt.Errorf("invalid NEGATIVE_STOCK_POLICY %q: must be clamp or reject", c.NegativeStockPolicy)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(c.AutoCreateStock))
	if err != nil {
		return fmt.Errorf("invalid AUTO_CREATE_STOCK %q: %w", c.AutoCreateStock, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("AUTO_CREATE_STOCK must not be negative")
	}
	if c.CurrencyScale < 0 || c.CurrencyScale > 6 {
		return fmt.Errorf("CURRENCY_SCALE must be between 0 and 6")
	}
	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive")
	}
	return nil
}

// Policy returns the normalized negative-stock policy.
func (c EngineConfig) Policy() NegativeStockPolicy {
	if NegativeStockPolicy(strings.ToLower(string(c.NegativeStockPolicy))) == NegativeStockReject {
		return NegativeStockReject
	}
	return NegativeStockClamp
}

// DefaultAutoCreateStock is the stock level given to ingredients that had to be
// auto-created during fulfillment. Invalid values were rejected by Validate.
func (c EngineConfig) DefaultAutoCreateStock() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.AutoCreateStock))
	if err != nil {
		return decimal.NewFromInt(100)
	}
	return d
}

// RetryPolicy is shared by the sync queue driver and the atomic stock writer.
func (c EngineConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.ConflictMaxRetries,
		BaseBackoff: c.SyncBaseBackoff,
		MaxBackoff:  c.SyncMaxBackoff,
	}
}

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, exp))
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		return p.MaxBackoff
	}
	return delay
}
