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
	"os"

	"mining-accrual-go/internal/common"
	"mining-accrual-go/internal/config"
	"mining-accrual-go/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const programName = "accrual"

var (
	globalFlags = struct {
		demo bool
	}{}

	cfg           *models.Config
	loggerCleanup = func() {}
)

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Mining reward accrual and reconciliation engine",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVar(&globalFlags.demo, "demo", false, "seed a demo stake for each user into the in-memory ledger")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		_, cleanup := common.InitializeLogger()
		loggerCleanup = cleanup
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		loggerCleanup()
	}

	// Subcommands
	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(snapshotCommand())
	rootCmd.AddCommand(claimCommand())
	rootCmd.AddCommand(deadLettersCommand())
	rootCmd.AddCommand(requeueCommand())
	rootCmd.AddCommand(seedCommand())

	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}
