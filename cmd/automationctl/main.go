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

// Command automationctl is the operator CLI for automationd: queue
// inspection/reconciliation and offline workflow definition
// validation against the running store's config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/automation-core/internal/config"
	"github.com/tombee/automation-core/internal/log"
	"github.com/tombee/automation-core/internal/queue"
	"github.com/tombee/automation-core/internal/store"
	"github.com/tombee/automation-core/internal/workflow"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "automationctl",
		Short: "Operate an automation-core daemon's queue and workflows",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	root.AddCommand(newQueueCommand())
	root.AddCommand(newWorkflowCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("automationctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable job queue",
	}
	cmd.AddCommand(newQueueReconcileCommand())
	return cmd
}

// newQueueReconcileCommand surfaces queue.Queue.Reconcile: it requeues
// every job on the topic left in_flight, which happens when a worker
// process crashes mid-job. An operator runs this
// by hand after a crash; automationd also runs it automatically for
// every topic at startup.
func newQueueReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <topic>",
		Short: "Requeue jobs orphaned by a crashed worker on the given topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			s, err := store.New(store.Config{Path: cfg.Store.DSN, BusyTimeout: cfg.Store.BusyTimeout})
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			q := queue.New(s, log.New(log.FromEnv()))
			n, err := q.Reconcile(context.Background(), topic)
			if err != nil {
				return fmt.Errorf("failed to reconcile topic %q: %w", topic, err)
			}
			fmt.Printf("reconciled %d job(s) on topic %q\n", n, topic)
			return nil
		},
	}
}

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and validate workflow definitions",
	}
	cmd.AddCommand(newWorkflowValidateCommand())
	return cmd
}

// newWorkflowValidateCommand surfaces workflow.Validate against a
// definition file, the same check CreateVersion runs at
// save time, so a definition can be checked in CI before it is ever
// pushed to a running daemon.
func newWorkflowValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file's node graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read definition file: %w", err)
			}

			var def workflow.Definition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("failed to parse definition: %w", err)
			}

			if err := workflow.Validate(&def); err != nil {
				return fmt.Errorf("definition invalid: %w", err)
			}

			fmt.Printf("%s: valid (%d node(s))\n", args[0], len(def.Nodes))
			return nil
		},
	}
}
