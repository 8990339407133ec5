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
	"errors"
	"fmt"
	"time"

	"mining-accrual-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SaveAccruals persists the running unclaimed totals of a user's stakes in one transaction.
func (s *Service) SaveAccruals(ctx context.Context, userId string, totals map[string]decimal.Decimal) error {
	if len(totals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	for stakeId, total := range totals {
		if _, err := tx.ExecContext(ctx, queryUpsertAccrual, stakeId, userId, total.String(), now); err != nil {
			return fmt.Errorf("failed to save accrual for stake %s: %w", stakeId, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Debug("Saved running totals",
		zap.String("user_id", userId),
		zap.Int("stakes", len(totals)))
	return nil
}

func (s *Service) GetAccruals(ctx context.Context, userId string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAccruals, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to get accruals: %w", err)
	}
	defer closeRows(rows)

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var stakeId, totalStr string
		if err := rows.Scan(&stakeId, &totalStr); err != nil {
			return nil, fmt.Errorf("failed to scan accrual: %w", err)
		}
		total, err := parseDecimal("running_total", totalStr)
		if err != nil {
			return nil, err
		}
		totals[stakeId] = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accrual rows: %w", err)
	}
	return totals, nil
}

// GetSyncState returns the user's reconciliation bookkeeping. A user that was
// never reconciled gets a zero state.
func (s *Service) GetSyncState(ctx context.Context, userId string) (*models.LocalSyncState, error) {
	var state models.LocalSyncState
	var lastSyncAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, queryGetSyncState, userId).
		Scan(&state.UserId, &lastSyncAt, &state.ActiveReferrals, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.LocalSyncState{UserId: userId}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	state.LastSyncAt = fromNanos(lastSyncAt)
	state.UpdatedAt = fromNanos(updatedAt)
	return &state, nil
}

func (s *Service) SaveSyncState(ctx context.Context, userId string, lastSyncAt time.Time, activeReferrals int) error {
	_, err := s.db.ExecContext(ctx, queryUpsertSyncState,
		userId, toNanos(lastSyncAt), activeReferrals, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}
