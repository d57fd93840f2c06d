// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/internal/log"
	"github.com/teradata-labs/cruise/internal/version"
	"github.com/teradata-labs/cruise/pkg/config"
	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/limits"
	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/proxy"
	"github.com/teradata-labs/cruise/pkg/router"
)

var flagPort int

var rootCmd = &cobra.Command{
	Use:     "cruise",
	Short:   "Usage-aware transparent proxy for the Messages API",
	Long:    "cruise proxies Messages-API traffic, accounts every request in a local usage ledger, and reroutes to cheaper models or alternate providers before the provider's quota ceiling is hit.",
	Version: version.Get(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (default 4141)")
}

// serve is the composition root: ledger, learner, prediction engine,
// router, proxy server, and the daily retention job.
func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}

	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	dbPath, err := config.UsageDBPath()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	led, err := ledger.GetGlobal(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Warn("failed to close ledger", zap.Error(err))
		}
	}()

	learner, err := limits.NewLearner(led, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize limit learner: %w", err)
	}
	engine := predict.NewEngine(led, learner, logger)

	rt := router.New(cfg.RouterConfig(), logger)
	defer rt.Stop()

	srv := proxy.NewServer(proxy.Config{
		Port:            cfg.Port,
		PrimaryEndpoint: cfg.AnthropicEndpoint,
		PrimaryAPIKey:   cfg.AnthropicAPIKey,
		DefaultModel:    config.DefaultSonnetModel,
		DashboardPath:   cfg.DashboardPath,
	}, led, engine, rt, logger)

	// Daily retention sweep; vacuum only after rows were actually removed.
	jobs := cron.New()
	_, err = jobs.AddFunc("@daily", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		deleted, err := led.Cleanup(jobCtx, cfg.RetentionDays)
		if err != nil {
			logger.Error("retention cleanup failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			if err := led.Vacuum(jobCtx); err != nil {
				logger.Warn("vacuum failed", zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention job: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	return nil
}
