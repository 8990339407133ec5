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
	"fmt"
	"time"

	"mining-accrual-go/internal/api"
	"mining-accrual-go/internal/common"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func claimCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "claim USER_ID STAKE_ID",
		Short: "Claim a stake's unclaimed rewards",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userId, stakeId := args[0], args[1]
			ctx := cmd.Context()

			rt, err := startEngine(ctx, []string{userId}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			dashboard := api.NewDashboardService(rt.engine)
			closeFn, err := dashboard.OpenDashboard(ctx, userId, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := dashboard.Refresh(ctx, userId); err != nil {
				return err
			}

			result, err := dashboard.RequestClaim(ctx, userId, stakeId)
			if err != nil {
				return err
			}

			// Push the activity record before the session closes.
			drainCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			if err := rt.engine.DrainAll(drainCtx); err != nil {
				zap.L().Warn("Failed to drain queued operations", zap.Error(err))
			}

			r := common.NewReport(cmd.OutOrStdout(), common.DefaultWidth)
			r.Header("CLAIM RESULT")
			r.Field("User", userId)
			r.Field("Stake", stakeId)
			r.Field("Status", result.Status)
			if result.Success {
				r.Amount("Amount", result.Amount)
				r.Field("Token", result.Token)
			} else {
				r.Field("Error", result.Error)
			}
			r.Footer("Done")

			if !result.Success {
				return fmt.Errorf("claim not accepted: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "drain-timeout", 10*time.Second, "how long to wait for queued operations to reach the ledger")
	return cmd
}
