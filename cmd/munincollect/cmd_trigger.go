/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/munin_collect/internal/aggregator"
	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/collector"
	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/db"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/notifications"
	"github.com/friendsincode/munin_collect/internal/retry"
	"github.com/friendsincode/munin_collect/internal/store"
)

var (
	triggerSlotID    int
	triggerAggregate bool
	triggerBucket    string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one collection or aggregation outside the schedule",
	Long: `Run a single execution immediately and wait for its outcome.

The run goes through the same state machine as a scheduled one: it is
recorded, retried on transient failures, and mutually excluded against any
execution already running for the same slot and day.

Examples:
  # Collect now for today's bucket using slot 1
  munincollect trigger --slot 1

  # Merge today's files into the daily report
  munincollect trigger --aggregate

  # Re-run aggregation for a past bucket
  munincollect trigger --aggregate --bucket 03jul
`,
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().IntVar(&triggerSlotID, "slot", models.SupplementalSlotID, "Slot id to run the collection as")
	triggerCmd.Flags().BoolVar(&triggerAggregate, "aggregate", false, "Run the daily aggregation instead of a collection")
	triggerCmd.Flags().StringVar(&triggerBucket, "bucket", "", "Date bucket label, defaults to today")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	clk := clock.System{}
	label := triggerBucket
	if label == "" {
		label = bucket.Label(clk.Now())
	}

	layout := bucket.NewLayout(cfg.DataRoot)
	st := store.New(database, logger)
	notifier := notifications.NewService(database, notifications.Config{
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUsername: cfg.SMTPUsername,
		SMTPPassword: cfg.SMTPPassword,
		From:         cfg.SMTPFrom,
		To:           cfg.SMTPTo,
	}, logger)
	portal := collector.New(collector.Config{
		URL:        cfg.PortalURL,
		Username:   cfg.PortalUsername,
		Password:   cfg.PortalPassword,
		BrowserBin: cfg.BrowserBin,
	}, layout, logger)
	merger := aggregator.New(layout, logger)
	coord := coordinator.New(st, portal, merger, notifier,
		retry.NewPolicy(cfg.RetryCeiling, cfg.BackoffBase), clk, nil, cfg.AttemptTimeout, logger)

	slotID := triggerSlotID
	kind := models.KindCollection
	if triggerAggregate {
		slotID = models.AggregationSlotID
		kind = models.KindAggregation
	}

	record, err := coord.Execute(context.Background(), slotID, label, kind)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	fmt.Printf("execution %s finished: status=%s attempt=%d files=%d\n",
		record.ID, record.Status, record.Attempt, record.FilesCollected)
	if record.ArtifactRef != "" {
		fmt.Printf("artifact: %s\n", record.ArtifactRef)
	}
	if record.ErrorSummary != "" {
		fmt.Printf("error: %s\n", record.ErrorSummary)
	}
	return nil
}
