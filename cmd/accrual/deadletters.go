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

	"mining-accrual-go/internal/api"
	"mining-accrual-go/internal/common"

	"github.com/spf13/cobra"
)

func deadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters [USER_ID]",
		Short: "List sync operations that exhausted their retries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userId := ""
			if len(args) == 1 {
				userId = args[0]
			}

			rt, err := startEngine(cmd.Context(), nil, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := api.NewDashboardService(rt.engine).GetDeadLetters(cmd.Context(), userId)
			if err != nil {
				return err
			}

			r := common.NewReport(cmd.OutOrStdout(), common.WideWidth)
			r.Header("DEAD-LETTERED OPERATIONS")
			if len(entries) == 0 {
				r.Line("No dead-lettered operations")
			}
			for i, e := range entries {
				r.Item(i == len(entries)-1,
					fmt.Sprintf("%s  %s  user=%s stake=%s retries=%d", e.Id, e.Kind, e.UserId, e.StakeId, e.RetryCount),
					fmt.Sprintf("%s at %s", e.Reason, e.DeadAt.Format("2006-01-02 15:04:05")))
			}
			r.Footer(fmt.Sprintf("%d operation(s)", len(entries)))
			return nil
		},
	}
	return cmd
}

func requeueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue OPERATION_ID",
		Short: "Move a dead-lettered operation back into the sync queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startEngine(cmd.Context(), nil, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := api.NewDashboardService(rt.engine).Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s requeued\n", args[0])
			return nil
		},
	}
	return cmd
}
