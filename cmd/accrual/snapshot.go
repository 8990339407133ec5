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
	"io"

	"mining-accrual-go/internal/api"
	"mining-accrual-go/internal/common"
	"mining-accrual-go/internal/models"

	"github.com/spf13/cobra"
)

func snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot USER_ID",
		Short: "Reconcile a user against the ledger and print their earnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userId := args[0]
			rt, err := startEngine(cmd.Context(), []string{userId}, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := api.NewDashboardService(rt.engine).Refresh(cmd.Context(), userId)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	return cmd
}

func printSnapshot(w io.Writer, snap *models.EarningSnapshot) {
	r := common.NewReport(w, common.DefaultWidth)
	r.Header(fmt.Sprintf("EARNINGS FOR %s", snap.UserId))

	status := "inactive"
	if snap.Active {
		status = "active"
	}
	r.Field("Status", status)
	r.Amount("Running unclaimed", snap.RunningUnclaimedTotal)
	r.Amount("Daily rate", snap.DailyRate)
	r.Amount("Hourly rate", snap.HourlyRate)
	r.Field("Days active", snap.DaysActive)
	r.Field("Time multiplier", snap.TimeMultiplier.String())
	r.Field("Referral multiplier", snap.ReferralMultiplier.String())

	if len(snap.Stakes) > 0 {
		r.Section("Stakes")
		for i, s := range snap.Stakes {
			r.Item(i == len(snap.Stakes)-1,
				fmt.Sprintf("%s (active: %t, day %d)", s.StakeId, s.Active, s.DaysActive),
				fmt.Sprintf("unclaimed %s at %s/day", common.FormatAmount(s.RunningUnclaimed), common.FormatAmount(s.DailyRate)))
		}
	}

	r.Footer(fmt.Sprintf("Taken at %s", snap.TakenAt.Format("2006-01-02 15:04:05 MST")))
}
