/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mining-accrual-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	tickInterval, err := getEnvDuration("ACCRUAL_TICK_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}

	reconcileInterval, err := getEnvDuration("RECONCILE_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}

	remoteTimeout, err := getEnvDuration("REMOTE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	backoffInitial, err := getEnvDuration("SYNC_BACKOFF_INITIAL", 2*time.Second)
	if err != nil {
		return nil, err
	}

	backoffMax, err := getEnvDuration("SYNC_BACKOFF_MAX", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	backoffMultiplier, err := getEnvFloat("SYNC_BACKOFF_MULTIPLIER", 2.0)
	if err != nil {
		return nil, err
	}

	referralCap, err := getEnvDecimal("REFERRAL_MULTIPLIER_CAP", decimal.Zero)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "accrual.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Engine: models.EngineConfig{
			TickInterval:      tickInterval,
			ReconcileInterval: reconcileInterval,
			RemoteTimeout:     remoteTimeout,
			StakeCacheUsers:   getEnvInt("STAKE_CACHE_USERS", 1024),
		},
		Sync: models.SyncConfig{
			MaxRetries:        getEnvInt("SYNC_MAX_RETRIES", 5),
			BackoffInitial:    backoffInitial,
			BackoffMax:        backoffMax,
			BackoffMultiplier: backoffMultiplier,
			DrainConcurrency:  getEnvInt("SYNC_DRAIN_CONCURRENCY", 4),
		},
		Reward: models.RewardConfig{
			MultipliersFile:       getEnvString("MULTIPLIERS_FILE", ""),
			ReferralMultiplierCap: referralCap,
		},
		Ledger: models.LedgerConfig{
			Backend: getEnvString("LEDGER_BACKEND", "memory"),
			Formance: models.FormanceConfig{
				StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
				ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
				ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
				LedgerName:   getEnvString("FORMANCE_LEDGER", "mining-accrual"),
				Asset:        getEnvString("FORMANCE_ASSET", "USDT/6"),
			},
		},
		Metrics: models.MetricsConfig{
			Addr: getEnvString("METRICS_ADDR", ""),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *models.Config) error {
	if cfg.Engine.TickInterval <= 0 {
		return fmt.Errorf("ACCRUAL_TICK_INTERVAL must be positive, got %v", cfg.Engine.TickInterval)
	}
	if cfg.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive, got %v", cfg.Engine.ReconcileInterval)
	}
	if cfg.Engine.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive, got %v", cfg.Engine.RemoteTimeout)
	}
	if cfg.Sync.MaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffMultiplier < 1 {
		return fmt.Errorf("SYNC_BACKOFF_MULTIPLIER must be at least 1, got %v", cfg.Sync.BackoffMultiplier)
	}
	if cfg.Reward.ReferralMultiplierCap.IsNegative() {
		return fmt.Errorf("REFERRAL_MULTIPLIER_CAP cannot be negative, got %s", cfg.Reward.ReferralMultiplierCap)
	}
	switch cfg.Ledger.Backend {
	case "memory", "formance":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q (want formance or memory)", cfg.Ledger.Backend)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s: %q (%w)", key, value, err)
		}
		return f, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}
