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

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var kind string
	var createdAt, nextAttemptAt int64

	err := row.Scan(&op.Seq, &op.Id, &op.UserId, &op.StakeId, &kind, &op.Payload, &createdAt,
		&op.RetryCount, &op.MaxRetries, &nextAttemptAt, &op.LastError)
	if err != nil {
		return nil, err
	}

	op.Kind = models.OperationKind(kind)
	op.CreatedAt = fromNanos(createdAt)
	op.NextAttemptAt = fromNanos(nextAttemptAt)
	return &op, nil
}

func scanDeadLetter(row rowScanner) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	var kind string
	var createdAt, deadAt int64

	op := &dl.Operation
	err := row.Scan(&op.Id, &op.UserId, &op.StakeId, &kind, &op.Payload, &createdAt,
		&op.RetryCount, &op.MaxRetries, &op.LastError, &dl.Reason, &deadAt)
	if err != nil {
		return nil, err
	}

	op.Kind = models.OperationKind(kind)
	op.CreatedAt = fromNanos(createdAt)
	dl.DeadLetteredAt = fromNanos(deadAt)
	return &dl, nil
}

func insertOperation(ctx context.Context, tx *sql.Tx, op models.SyncOperation) (bool, error) {
	if op.Kind == models.OpUserRefresh {
		if _, err := tx.ExecContext(ctx, queryDeletePendingRefreshes, op.UserId); err != nil {
			return false, fmt.Errorf("failed to coalesce refreshes: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, queryInsertOperation,
		op.Id, op.UserId, op.StakeId, string(op.Kind), op.Payload, toNanos(op.CreatedAt),
		op.RetryCount, op.MaxRetries, toNanos(op.NextAttemptAt), op.LastError)
	if err != nil {
		return false, fmt.Errorf("failed to insert operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// InsertOperation persists a pending operation. It reports false when an
// operation with the same id is already pending. Enqueuing a user refresh
// replaces any older pending refresh of the same user.
func (s *Service) InsertOperation(ctx context.Context, op models.SyncOperation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertOperation(ctx, tx, op)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func (s *Service) GetOperation(ctx context.Context, opId string) (*models.SyncOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, queryGetOperation, opId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", opId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ListPendingOperations returns the user's pending operations in enqueue order.
func (s *Service) ListPendingOperations(ctx context.Context, userId string) ([]models.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingOperations, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer closeRows(rows)

	var ops []models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation rows: %w", err)
	}
	return ops, nil
}

func (s *Service) ListQueueUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryGetQueueUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue users: %w", err)
	}
	defer closeRows(rows)

	var users []string
	for rows.Next() {
		var userId string
		if err := rows.Scan(&userId); err != nil {
			return nil, fmt.Errorf("failed to scan queue user: %w", err)
		}
		users = append(users, userId)
	}
	return users, rows.Err()
}

func (s *Service) UpdateOperationRetry(ctx context.Context, op models.SyncOperation) error {
	result, err := s.db.ExecContext(ctx, queryUpdateOperationRetry,
		op.RetryCount, toNanos(op.NextAttemptAt), op.LastError, op.Id)
	if err != nil {
		return fmt.Errorf("failed to update operation retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("operation %s: %w", op.Id, store.ErrNotFound)
	}
	return nil
}

// CompleteOperation removes a delivered operation and, in the same
// transaction, records its activity locally and enqueues any follow-up.
func (s *Service) CompleteOperation(ctx context.Context, opId string, record *models.ActivityRecord, followUp *models.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeleteOperation, opId); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}

	if record != nil {
		_, err := tx.ExecContext(ctx, queryInsertActivityIgnore,
			record.Id, record.UserId, record.StakeId, string(record.Kind), record.Amount.String(),
			record.Reference, toNanos(record.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to record activity: %w", err)
		}
	}

	if followUp != nil {
		if _, err := insertOperation(ctx, tx, *followUp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Service) DeleteOperation(ctx context.Context, opId string) error {
	if _, err := s.db.ExecContext(ctx, queryDeleteOperation, opId); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// DeadLetterOperation moves a pending operation to the dead-letter table.
// It reports false when the operation was no longer pending, so a given
// failure is dead-lettered at most once.
func (s *Service) DeadLetterOperation(ctx context.Context, op models.SyncOperation, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryDeleteOperation, op.Id)
	if err != nil {
		return false, fmt.Errorf("failed to delete operation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, queryInsertDeadLetter,
		op.Id, op.UserId, op.StakeId, string(op.Kind), op.Payload, toNanos(op.CreatedAt),
		op.RetryCount, op.MaxRetries, op.LastError, reason, toNanos(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to insert dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Warn("Operation moved to dead letters",
		zap.String("operation_id", op.Id),
		zap.String("user_id", op.UserId),
		zap.String("kind", string(op.Kind)),
		zap.Int("retry_count", op.RetryCount),
		zap.String("reason", reason))
	return true, nil
}

// GetDeadLetters lists dead letters for a user, or for everyone when userId is empty.
func (s *Service) GetDeadLetters(ctx context.Context, userId string) ([]models.DeadLetter, error) {
	var rows *sql.Rows
	var err error
	if userId == "" {
		rows, err = s.db.QueryContext(ctx, queryGetAllDeadLetters)
	} else {
		rows, err = s.db.QueryContext(ctx, queryGetDeadLetters, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	defer closeRows(rows)

	var letters []models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letter rows: %w", err)
	}
	return letters, nil
}

// RequeueDeadLetter moves a dead letter back to the pending queue with a fresh retry budget.
func (s *Service) RequeueDeadLetter(ctx context.Context, opId string) (*models.SyncOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dl, err := scanDeadLetter(tx.QueryRowContext(ctx, queryGetDeadLetter, opId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", opId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	op := dl.Operation
	op.RetryCount = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""

	if _, err := tx.ExecContext(ctx, queryDeleteDeadLetter, opId); err != nil {
		return nil, fmt.Errorf("failed to delete dead letter: %w", err)
	}
	inserted, err := insertOperation(ctx, tx, op)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: operation %s is already pending", store.ErrDuplicateOperation, opId)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Dead letter requeued",
		zap.String("operation_id", op.Id),
		zap.String("user_id", op.UserId),
		zap.String("kind", string(op.Kind)))
	return &op, nil
}
