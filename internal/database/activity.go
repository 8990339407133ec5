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

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

func scanActivity(row rowScanner) (*models.ActivityRecord, error) {
	var rec models.ActivityRecord
	var kind, amountStr string
	var createdAt int64

	err := row.Scan(&rec.Id, &rec.UserId, &rec.StakeId, &kind, &amountStr, &rec.Reference, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Amount, err = parseDecimal("amount", amountStr)
	if err != nil {
		return nil, err
	}
	rec.Kind = models.ActivityKind(kind)
	rec.CreatedAt = fromNanos(createdAt)
	return &rec, nil
}

// AppendActivity appends an immutable activity record.
func (s *Service) AppendActivity(ctx context.Context, record models.ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, queryInsertActivity,
		record.Id, record.UserId, record.StakeId, string(record.Kind), record.Amount.String(),
		record.Reference, toNanos(record.CreatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: activity %s already exists", store.ErrDuplicateOperation, record.Id)
		}
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// FindActivityByReference returns the first record carrying reference, or nil when none does.
func (s *Service) FindActivityByReference(ctx context.Context, reference string) (*models.ActivityRecord, error) {
	if reference == "" {
		return nil, nil
	}
	rec, err := scanActivity(s.db.QueryRowContext(ctx, queryFindActivityByReference, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activity: %w", err)
	}
	return rec, nil
}

// GetActivityHistory returns paginated activity, newest first
func (s *Service) GetActivityHistory(ctx context.Context, userId string, limit, offset int) ([]models.ActivityRecord, error) {
	zap.L().Debug("Getting activity history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetActivityHistory, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get activity history: %w", err)
	}
	defer closeRows(rows)

	var records []models.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during activity row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}
	return records, nil
}
