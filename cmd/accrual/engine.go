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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mining-accrual-go/internal/common"
	"mining-accrual-go/internal/engine"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// app bundles what every engine-backed command needs.
type app struct {
	services *common.Services
	engine   *engine.Engine
}

func (r *app) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	r.services.Close()
}

// startEngine initializes services and the engine. reg may be nil.
func startEngine(ctx context.Context, users []string, reg prometheus.Registerer) (*app, error) {
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if globalFlags.demo {
		if services.Memory == nil {
			zap.L().Warn("--demo only seeds the in-memory ledger, ignoring")
		} else {
			for _, userId := range users {
				if err := seedDemo(ctx, services.Admin, userId); err != nil {
					services.Close()
					return nil, err
				}
			}
		}
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Store:    services.DbService,
		Remote:   services.Remote,
		Schedule: services.Schedule,
		Registry: reg,
	})
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &app{services: services, engine: eng}, nil
}

// seedDemo opens a ten day old stake with two referrals for userId.
func seedDemo(ctx context.Context, admin store.StakeAdmin, userId string) error {
	stake := models.Stake{
		Id:            userId + "-demo",
		UserId:        userId,
		Principal:     decimal.NewFromInt(1000),
		BaseDailyRate: decimal.RequireFromString("0.01"),
		CreatedAt:     time.Now().Add(-10 * 24 * time.Hour),
		Active:        true,
	}
	if err := admin.CreateStake(ctx, stake); err != nil && !errors.Is(err, store.ErrDuplicateOperation) {
		return fmt.Errorf("failed to seed demo stake for %s: %w", userId, err)
	}
	if err := admin.SetReferrals(ctx, userId, 2); err != nil {
		return fmt.Errorf("failed to seed demo referrals for %s: %w", userId, err)
	}
	zap.L().Info("Seeded demo stake",
		zap.String("user_id", userId),
		zap.String("stake_id", stake.Id))
	return nil
}
