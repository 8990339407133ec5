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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mining-accrual-go/internal/api"
	"mining-accrual-go/internal/common"
	"mining-accrual-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func runCommand() *cobra.Command {
	var (
		users         string
		drainInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run accrual sessions for users until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), users, drainInterval)
		},
	}
	cmd.Flags().StringVar(&users, "users", "", "comma-separated user ids (default: users with queued sync work)")
	cmd.Flags().DurationVar(&drainInterval, "drain-interval", 30*time.Second, "how often queued operations are retried for every user")
	return cmd
}

func runRun(parent context.Context, usersFlag string, drainInterval time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	zap.L().Info("Starting mining accrual engine",
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.Duration("tick_interval", cfg.Engine.TickInterval),
		zap.Duration("reconcile_interval", cfg.Engine.ReconcileInterval))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		return err
	}
	users, err := common.InitializeUsers(ctx, dbService, usersFlag, zap.L())
	dbService.Close()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return fmt.Errorf("no users to run, pass --users")
	}

	rt, err := startEngine(ctx, users, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	dashboard := api.NewDashboardService(rt.engine)

	closers := make([]func(), 0, len(users))
	for _, userId := range users {
		userId := userId
		closeFn, err := dashboard.OpenDashboard(ctx, userId, func(snap models.EarningSnapshot) {
			zap.L().Debug("Earning snapshot",
				zap.String("user_id", userId),
				zap.String("running_unclaimed", snap.RunningUnclaimedTotal.String()),
				zap.String("daily_rate", snap.DailyRate.String()))
		})
		if err != nil {
			zap.L().Error("Failed to open dashboard",
				zap.String("user_id", userId),
				zap.Error(err))
			continue
		}
		closers = append(closers, closeFn)
	}
	if len(closers) == 0 {
		return fmt.Errorf("no sessions started successfully")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := rt.engine.DrainAll(gctx); err != nil {
					zap.L().Warn("Periodic drain failed", zap.Error(err))
				}
			}
		}
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := dashboard.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			zap.L().Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	zap.L().Info("All sessions running", zap.Int("active", len(closers)))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping all sessions...")
	case <-gctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		for _, closeFn := range closers {
			closeFn()
		}
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("All sessions stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}

	return g.Wait()
}
