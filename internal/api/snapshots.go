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

// GetSnapshot returns the current earning snapshot for a user
func (s *DashboardService) GetSnapshot(ctx context.Context, userId string) (*models.EarningSnapshot, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	snap, err := s.engine.GetSnapshot(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get earning snapshot", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve snapshot")
	}

	return &snap, nil
}

// Refresh reconciles the user with the ledger and returns the new snapshot
func (s *DashboardService) Refresh(ctx context.Context, userId string) (*models.EarningSnapshot, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	if _, err := s.engine.Reconcile(ctx, userId); err != nil {
		zap.L().Warn("Refresh failed, serving local snapshot",
			zap.String("user_id", userId),
			zap.Error(err))
	}
	return s.GetSnapshot(ctx, userId)
}
