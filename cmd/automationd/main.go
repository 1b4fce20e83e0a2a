// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command automationd runs the on-call automation core as a
// long-running process: the escalation, workflow, and runbook
// engines, their shared job queue, and the leader-gated age-trigger
// poller and audit retention sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/automation-core/internal/config"
	"github.com/tombee/automation-core/internal/daemon"
	"github.com/tombee/automation-core/internal/escalation"
	"github.com/tombee/automation-core/internal/httpclient"
	"github.com/tombee/automation-core/internal/log"
	"github.com/tombee/automation-core/internal/roster"
	"github.com/tombee/automation-core/internal/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		dsn         = flag.String("dsn", "", "SQLite database path (overrides config/env)")
		addr        = flag.String("addr", ":8080", "Health endpoint listen address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("automationd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		logger.Error("failed to build escalation resolver", slog.Any("error", err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, resolver, buildIntegrations(cfg), logger, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx, *addr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// buildResolver loads the on-call roster file named by config, if
// any. Without one, only direct user-kind escalation levels resolve;
// schedule and team levels fail at dispatch time, which is surfaced in
// the escalation job's failure log rather than at startup.
func buildResolver(cfg *config.Config) (escalation.Resolver, error) {
	if cfg.Integrations.RosterPath == "" {
		return roster.Empty(), nil
	}
	return roster.Load(cfg.Integrations.RosterPath)
}

func buildIntegrations(cfg *config.Config) workflow.Integrations {
	var integ workflow.Integrations
	if cfg.Integrations.JiraURL != "" {
		integ.Jira = &workflow.IntegrationEndpoint{
			URL:  cfg.Integrations.JiraURL,
			Auth: httpclient.Auth{Kind: httpclient.AuthBearer, Token: cfg.Integrations.JiraToken},
		}
	}
	if cfg.Integrations.LinearURL != "" {
		integ.Linear = &workflow.IntegrationEndpoint{
			URL:  cfg.Integrations.LinearURL,
			Auth: httpclient.Auth{Kind: httpclient.AuthBearer, Token: cfg.Integrations.LinearToken},
		}
	}
	return integ
}
