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

package api

import (
	"context"
	"fmt"

	"mining-accrual-go/internal/models"

	"go.uber.org/zap"
)

// GetActivityHistory returns paginated activity history for a user
func (s *DashboardService) GetActivityHistory(ctx context.Context, userId string, limit, offset int) ([]models.ActivityEntry, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.engine.ActivityHistory(ctx, userId, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get activity history",
			zap.String("user_id", userId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve activity history")
	}

	result := make([]models.ActivityEntry, len(records))
	for i, r := range records {
		result[i] = models.ActivityEntry{
			Id:        r.Id,
			Kind:      string(r.Kind),
			StakeId:   r.StakeId,
			Amount:    r.Amount,
			Reference: r.Reference,
			CreatedAt: r.CreatedAt,
		}
	}

	return result, nil
}

// GetDeadLetters lists operations that need operator attention, for one user
// or for everyone when userId is empty
func (s *DashboardService) GetDeadLetters(ctx context.Context, userId string) ([]models.DeadLetterEntry, error) {
	letters, err := s.engine.DeadLetters(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get dead letters", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve dead letters")
	}

	result := make([]models.DeadLetterEntry, len(letters))
	for i, dl := range letters {
		result[i] = models.DeadLetterEntry{
			Id:         dl.Operation.Id,
			UserId:     dl.Operation.UserId,
			StakeId:    dl.Operation.StakeId,
			Kind:       string(dl.Operation.Kind),
			RetryCount: dl.Operation.RetryCount,
			Reason:     dl.Reason,
			DeadAt:     dl.DeadLetteredAt,
		}
	}

	return result, nil
}

func (s *DashboardService) Requeue(ctx context.Context, opId string) error {
	if opId == "" {
		return fmt.Errorf("operation id is required")
	}

	op, err := s.engine.Requeue(ctx, opId)
	if err != nil {
		zap.L().Error("Failed to requeue operation", zap.String("operation_id", opId), zap.Error(err))
		return fmt.Errorf("failed to requeue operation: %w", err)
	}

	zap.L().Info("Operation requeued",
		zap.String("operation_id", op.Id),
		zap.String("user_id", op.UserId),
		zap.String("kind", string(op.Kind)))
	return nil
}
