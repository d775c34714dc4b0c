/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/munin_collect/internal/db"
	"github.com/friendsincode/munin_collect/internal/store"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark executions interrupted by a crash as failed",
	Long: `Find execution records stuck in the running state and fail them.

The server does this automatically at startup. Use this command when the
database is shared and the server is not going to be restarted, or to clean
up after an unclean shutdown before inspecting history.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	st := store.New(database, logger)
	count, err := st.ReconcileInterrupted(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Printf("marked %d interrupted execution(s) as failed\n", count)
	return nil
}
