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
	"mining-accrual-go/internal/reconciler"
)

// Engine is the part of the accrual engine the dashboard uses
type Engine interface {
	StartSession(ctx context.Context, userId string) error
	StopSession(ctx context.Context, userId string) error
	SetOnline(online bool)
	SetForeground(userId string, foreground bool) error
	Subscribe(userId string, fn func(models.EarningSnapshot)) (unsubscribe func())
	GetSnapshot(ctx context.Context, userId string) (models.EarningSnapshot, error)
	RequestClaim(ctx context.Context, userId, stakeId string) (models.ClaimOutcome, error)
	Reconcile(ctx context.Context, userId string) (*reconciler.Result, error)
	ActivityHistory(ctx context.Context, userId string, limit, offset int) ([]models.ActivityRecord, error)
	DeadLetters(ctx context.Context, userId string) ([]models.DeadLetter, error)
	Requeue(ctx context.Context, opId string) (*models.SyncOperation, error)
	HealthCheck(ctx context.Context) error
}

// DashboardService provides minimal API
type DashboardService struct {
	engine Engine
}

func NewDashboardService(engine Engine) *DashboardService {
	return &DashboardService{
		engine: engine,
	}
}

func (s *DashboardService) HealthCheck(ctx context.Context) error {
	if err := s.engine.HealthCheck(ctx); err != nil {
		return fmt.Errorf("engine health check failed: %w", err)
	}
	return nil
}

// OpenDashboard starts the user's session and streams snapshots to fn until
// the returned function is called.
func (s *DashboardService) OpenDashboard(ctx context.Context, userId string, fn func(models.EarningSnapshot)) (func(), error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	unsubscribe := s.engine.Subscribe(userId, fn)
	if err := s.engine.StartSession(ctx, userId); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return func() {
		unsubscribe()
		_ = s.engine.StopSession(context.Background(), userId)
	}, nil
}

func (s *DashboardService) SetOnline(online bool) {
	s.engine.SetOnline(online)
}

func (s *DashboardService) SetForeground(userId string, foreground bool) error {
	return s.engine.SetForeground(userId, foreground)
}
