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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LocalStore.
var _ store.LocalStore = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Times are stored as unix nanoseconds so ordering and round trips are exact;
// zero means unset.
func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	-- Stakes as last confirmed by the remote ledger
	CREATE TABLE IF NOT EXISTS stakes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		base_daily_rate TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_payout_at INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		cumulative_confirmed_earned TEXT NOT NULL DEFAULT '0',
		cycle_progress INTEGER NOT NULL DEFAULT 0,
		cycle_completed BOOLEAN NOT NULL DEFAULT 0,
		observed_unclaimed TEXT NOT NULL DEFAULT '0',
		observed_at INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stakes_user_id ON stakes(user_id);

	-- Running unclaimed totals, restored on session start
	CREATE TABLE IF NOT EXISTS stake_accruals (
		stake_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		running_total TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stake_accruals_user_id ON stake_accruals(user_id);

	-- Per-user reconciliation bookkeeping
	CREATE TABLE IF NOT EXISTS user_sync_state (
		user_id TEXT PRIMARY KEY,
		last_sync_at INTEGER NOT NULL DEFAULT 0,
		active_referrals INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Pending operations waiting for delivery to the remote ledger
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		stake_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload BLOB,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_user ON sync_queue(user_id, created_at);

	-- Operations that exhausted retries or failed validation
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stake_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload BLOB,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		dead_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_user ON dead_letters(user_id);

	-- Append-only activity history
	CREATE TABLE IF NOT EXISTS activity_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stake_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_user_created ON activity_records(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_activity_reference ON activity_records(reference);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return d, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}
