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
	"fmt"
	"time"

	"mining-accrual-go/internal/common"
	"mining-accrual-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func seedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Open stakes and set referrals on the ledger",
	}
	cmd.AddCommand(seedStakeCommand())
	cmd.AddCommand(seedReferralsCommand())
	return cmd
}

func seedStakeCommand() *cobra.Command {
	var (
		userId    string
		stakeId   string
		principal string
		rate      string
		ageDays   int
	)

	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Open a stake for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(principal)
			if err != nil {
				return fmt.Errorf("invalid principal %q: %w", principal, err)
			}
			baseRate, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", rate, err)
			}
			if stakeId == "" {
				stakeId = uuid.New().String()
			}

			services, err := common.InitializeServices(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer services.Close()
			warnEphemeral(services)

			stake := models.Stake{
				Id:            stakeId,
				UserId:        userId,
				Principal:     amount,
				BaseDailyRate: baseRate,
				CreatedAt:     time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour),
				Active:        true,
			}
			if err := services.Admin.CreateStake(cmd.Context(), stake); err != nil {
				return fmt.Errorf("failed to create stake: %w", err)
			}
			fmt.Printf("Stake %s opened for %s: %s at %s/day\n", stakeId, userId, amount, baseRate)
			return nil
		},
	}
	cmd.Flags().StringVar(&userId, "user", "", "owner user id (required)")
	cmd.Flags().StringVar(&stakeId, "stake", "", "stake id (default: random uuid)")
	cmd.Flags().StringVar(&principal, "principal", "", "staked principal (required)")
	cmd.Flags().StringVar(&rate, "rate", "0.01", "base daily rate as a fraction")
	cmd.Flags().IntVar(&ageDays, "age-days", 0, "backdate the stake's creation by this many days")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

func seedReferralsCommand() *cobra.Command {
	var (
		userId string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "referrals",
		Short: "Set a user's active referral count",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := common.InitializeServices(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer services.Close()
			warnEphemeral(services)

			if err := services.Admin.SetReferrals(cmd.Context(), userId, count); err != nil {
				return fmt.Errorf("failed to set referrals: %w", err)
			}
			fmt.Printf("User %s now has %d active referral(s)\n", userId, count)
			return nil
		},
	}
	cmd.Flags().StringVar(&userId, "user", "", "user id (required)")
	cmd.Flags().IntVar(&count, "count", 0, "active referral count")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func warnEphemeral(services *common.Services) {
	if services.Memory != nil {
		zap.L().Warn("In-memory ledger selected, seeded data lasts only for this process; set LEDGER_BACKEND=formance")
	}
}
