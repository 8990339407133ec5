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
	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStake(row rowScanner) (*models.Stake, error) {
	var stake models.Stake
	var principalStr, rateStr, earnedStr, observedStr string
	var createdAt, lastPayoutAt, observedAt, updatedAt int64

	err := row.Scan(&stake.Id, &stake.UserId, &principalStr, &rateStr, &createdAt, &lastPayoutAt,
		&stake.Active, &earnedStr, &stake.CycleProgress, &stake.CycleCompleted,
		&observedStr, &observedAt, &stake.Version, &updatedAt)
	if err != nil {
		return nil, err
	}

	if stake.Principal, err = parseDecimal("principal", principalStr); err != nil {
		return nil, err
	}
	if stake.BaseDailyRate, err = parseDecimal("base_daily_rate", rateStr); err != nil {
		return nil, err
	}
	if stake.CumulativeConfirmedEarned, err = parseDecimal("cumulative_confirmed_earned", earnedStr); err != nil {
		return nil, err
	}
	if stake.ObservedUnclaimed, err = parseDecimal("observed_unclaimed", observedStr); err != nil {
		return nil, err
	}

	stake.CreatedAt = fromNanos(createdAt)
	stake.LastPayoutAt = fromNanos(lastPayoutAt)
	stake.ObservedAt = fromNanos(observedAt)
	stake.UpdatedAt = fromNanos(updatedAt)
	return &stake, nil
}

// GetStakes returns every stake of a user. A user without stakes gets an empty slice.
func (s *Service) GetStakes(ctx context.Context, userId string) ([]models.Stake, error) {
	rows, err := s.db.QueryContext(ctx, queryGetStakesByUser, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to get stakes: %w", err)
	}
	defer closeRows(rows)

	stakes := []models.Stake{}
	for rows.Next() {
		stake, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stake: %w", err)
		}
		stakes = append(stakes, *stake)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during stake row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating stake rows: %w", err)
	}

	return stakes, nil
}

func (s *Service) GetStake(ctx context.Context, stakeId string) (*models.Stake, error) {
	stake, err := scanStake(s.db.QueryRowContext(ctx, queryGetStakeById, stakeId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stake: %w", err)
	}
	return stake, nil
}

// UpsertStake inserts a new stake or overwrites the confirmed fields of an
// existing one. Principal, rate and creation time are written only on insert.
func (s *Service) UpsertStake(ctx context.Context, stake models.Stake) (*models.Stake, error) {
	if stake.Id == "" || stake.UserId == "" {
		return nil, fmt.Errorf("%w: stake id and user id are required", store.ErrValidation)
	}
	if !stake.Principal.IsPositive() {
		return nil, fmt.Errorf("%w: stake %s principal must be positive, got %s", store.ErrValidation, stake.Id, stake.Principal)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	existing, err := scanStake(tx.QueryRowContext(ctx, queryGetStakeById, stake.Id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, queryInsertStake,
			stake.Id, stake.UserId, stake.Principal.String(), stake.BaseDailyRate.String(),
			toNanos(stake.CreatedAt), toNanos(stake.LastPayoutAt), stake.Active,
			stake.CumulativeConfirmedEarned.String(), stake.CycleProgress, stake.CycleCompleted,
			toNanos(now))
		if err != nil {
			return nil, fmt.Errorf("failed to insert stake: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get stake: %w", err)
	default:
		if existing.UserId != stake.UserId {
			return nil, fmt.Errorf("%w: stake %s belongs to %s", store.ErrValidation, stake.Id, existing.UserId)
		}
		if err := updateConfirmed(ctx, tx, stake, existing.Version, now); err != nil {
			return nil, err
		}
	}

	stored, err := scanStake(tx.QueryRowContext(ctx, queryGetStakeById, stake.Id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload stake: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// ApplyConfirmed applies a ledger-confirmed delta with optimistic locking.
func (s *Service) ApplyConfirmed(ctx context.Context, stakeId string, delta models.ConfirmedDelta) (*models.Stake, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanStake(tx.QueryRowContext(ctx, queryGetStakeById, stakeId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stake: %w", err)
	}

	updated := *current
	updated.CumulativeConfirmedEarned = current.CumulativeConfirmedEarned.Add(delta.EarnedDelta)
	if !delta.LastPayoutAt.IsZero() {
		updated.LastPayoutAt = delta.LastPayoutAt
	}
	if delta.Deactivate {
		updated.Active = false
	}
	if delta.CycleProgress != nil {
		updated.CycleProgress = *delta.CycleProgress
	}
	if delta.CycleCompleted != nil {
		updated.CycleCompleted = *delta.CycleCompleted
	}

	now := time.Now()
	if err := updateConfirmed(ctx, tx, updated, current.Version, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	updated.Version = current.Version + 1
	updated.UpdatedAt = fromNanos(toNanos(now))

	zap.L().Info("Applied confirmed stake delta",
		zap.String("stake_id", stakeId),
		zap.String("earned_delta", delta.EarnedDelta.String()),
		zap.String("cumulative_earned", updated.CumulativeConfirmedEarned.String()),
		zap.Bool("active", updated.Active))

	return &updated, nil
}

func updateConfirmed(ctx context.Context, tx *sql.Tx, stake models.Stake, version int64, now time.Time) error {
	result, err := tx.ExecContext(ctx, queryUpdateStakeConfirmed,
		toNanos(stake.LastPayoutAt), stake.Active, stake.CumulativeConfirmedEarned.String(),
		stake.CycleProgress, stake.CycleCompleted, toNanos(now), stake.Id, version)
	if err != nil {
		return fmt.Errorf("failed to update stake: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("stake update failed - %w", store.ErrConcurrentModification)
	}
	return nil
}

// UpdateObservation stores display hints only; confirmed fields are untouched.
func (s *Service) UpdateObservation(ctx context.Context, stakeId string, obs models.LocalObservation) error {
	result, err := s.db.ExecContext(ctx, queryUpdateStakeObservation,
		obs.Unclaimed.String(), toNanos(obs.ObservedAt), stakeId)
	if err != nil {
		return fmt.Errorf("failed to update observation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	return nil
}
