package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Engine   EngineConfig
	Sync     SyncConfig
	Reward   RewardConfig
	Ledger   LedgerConfig
	Metrics  MetricsConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// EngineConfig holds accrual and reconciliation timing
type EngineConfig struct {
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	RemoteTimeout     time.Duration
	StakeCacheUsers   int
}

// SyncConfig holds sync queue retry settings
type SyncConfig struct {
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	DrainConcurrency  int
}

// RewardConfig holds the multiplier table location and referral cap
type RewardConfig struct {
	MultipliersFile       string
	ReferralMultiplierCap decimal.Decimal // zero means uncapped
}

// LedgerConfig selects and configures the remote ledger backend
type LedgerConfig struct {
	Backend  string // formance or memory
	Formance FormanceConfig
}

// FormanceConfig holds Formance stack credentials
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
	Asset        string // e.g. USDT/6
}

// MetricsConfig holds the prometheus listen address, empty disables it
type MetricsConfig struct {
	Addr string
}
