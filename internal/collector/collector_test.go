/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/retry"
)

func TestCollectWithoutPortalConfigIsFatal(t *testing.T) {
	p := New(Config{}, bucket.NewLayout(t.TempDir()), zerolog.Nop())

	_, err := p.Collect(context.Background(), "04jul")
	if err == nil {
		t.Fatal("expected an error for missing portal config")
	}
	if coordinator.Classify(err) != retry.Fatal {
		t.Errorf("missing config classified %q, want fatal", coordinator.Classify(err))
	}
}

func TestWaitForDownloadsSettles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "export.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForDownloads(ctx, dir); err != nil {
		t.Errorf("waitForDownloads = %v, want nil for a quiet directory", err)
	}
}

func TestWaitForDownloadsTimesOutOnPartialFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "export.csv.crdownload"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	if err := waitForDownloads(ctx, dir); err == nil {
		t.Error("waitForDownloads = nil, want context error while a partial file remains")
	}
}

func TestPartialDownloads(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv.crdownload", "c.CRDOWNLOAD"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := partialDownloads(dir); got != 2 {
		t.Errorf("partialDownloads = %d, want 2", got)
	}
}
