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
	"errors"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
)

func (s *DashboardService) RequestClaim(ctx context.Context, userId, stakeId string) (*models.ClaimResult, error) {
	if userId == "" || stakeId == "" {
		return &models.ClaimResult{
			Success: false,
			Error:   "invalid claim parameters",
		}, nil
	}

	zap.L().Info("Processing claim request",
		zap.String("user_id", userId),
		zap.String("stake_id", stakeId))

	outcome, err := s.engine.RequestClaim(ctx, userId, stakeId)
	if err != nil {
		result := &models.ClaimResult{
			Success: false,
			UserId:  userId,
			StakeId: stakeId,
			Status:  string(outcome.Status),
			Token:   outcome.Token,
			Error:   claimError(err, outcome),
		}

		switch {
		case errors.Is(err, store.ErrClaimRejected), errors.Is(err, store.ErrClaimInFlight):
			zap.L().Info("Claim not accepted",
				zap.String("user_id", userId),
				zap.String("stake_id", stakeId),
				zap.String("reason", result.Error))
		default:
			zap.L().Error("Claim processing failed",
				zap.String("user_id", userId),
				zap.String("stake_id", stakeId),
				zap.Error(err))
		}
		return result, nil
	}

	zap.L().Info("Claim processed",
		zap.String("user_id", userId),
		zap.String("stake_id", stakeId),
		zap.String("status", string(outcome.Status)),
		zap.String("amount", outcome.Amount.String()),
		zap.Bool("replayed", outcome.Replayed))

	return &models.ClaimResult{
		Success: outcome.Status == models.ClaimConfirmed || outcome.Status == models.ClaimPending,
		UserId:  userId,
		StakeId: stakeId,
		Status:  string(outcome.Status),
		Amount:  outcome.Amount,
		Token:   outcome.Token,
	}, nil
}

func claimError(err error, outcome models.ClaimOutcome) string {
	switch {
	case errors.Is(err, store.ErrClaimRejected):
		if outcome.Reason != "" {
			return "claim rejected: " + outcome.Reason
		}
		return "claim rejected"
	case errors.Is(err, store.ErrClaimInFlight):
		return "a claim for this stake is already being processed"
	case errors.Is(err, store.ErrValidation):
		return "invalid claim: " + err.Error()
	default:
		return "claim could not be processed, try again later"
	}
}
