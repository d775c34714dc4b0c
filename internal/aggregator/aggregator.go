/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package aggregator merges a bucket's collected CSV files into the single
// daily report artifact.
package aggregator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/coordinator"
)

// Merger builds the daily report from a bucket's CSV exports.
type Merger struct {
	layout bucket.Layout
	logger zerolog.Logger
}

// New constructs a merger over the bucket layout.
func New(layout bucket.Layout, logger zerolog.Logger) *Merger {
	return &Merger{
		layout: layout,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// Aggregate merges every CSV in the bucket's data directory into the report
// artifact and returns its path. An existing artifact is returned as-is, so
// a repeated request for the same bucket does no work.
func (m *Merger) Aggregate(ctx context.Context, dateBucket string) (string, error) {
	artifact := m.layout.ArtifactPath(dateBucket)
	if _, err := os.Stat(artifact); err == nil {
		m.logger.Info().Str("bucket", dateBucket).Str("artifact", artifact).Msg("report already exists, skipping merge")
		return artifact, nil
	}

	files, err := m.layout.CSVFiles(dateBucket)
	if err != nil {
		return "", coordinator.Fatal(err)
	}
	if len(files) == 0 {
		return "", coordinator.Fatal(fmt.Errorf("no collected files for bucket %s", dateBucket))
	}

	header, rows, err := m.merge(ctx, files)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.layout.MergeDir(dateBucket), 0o755); err != nil {
		return "", coordinator.Fatal(fmt.Errorf("create merge dir: %w", err))
	}

	// Write to a temp name and rename so a crash mid-write never leaves a
	// half-built artifact that a later idempotency check would trust.
	tmp := artifact + ".tmp"
	if err := writeCSV(tmp, header, rows); err != nil {
		os.Remove(tmp)
		return "", coordinator.Transient(err)
	}
	if err := os.Rename(tmp, artifact); err != nil {
		os.Remove(tmp)
		return "", coordinator.Transient(fmt.Errorf("finalize report: %w", err))
	}

	m.logger.Info().
		Str("bucket", dateBucket).
		Int("sources", len(files)).
		Int("rows", len(rows)).
		Str("artifact", artifact).
		Msg("report merged")
	return artifact, nil
}

// merge reads every source file, takes the first header encountered, and
// collects rows in file order with exact duplicates removed.
func (m *Merger) merge(ctx context.Context, files []string) ([]string, [][]string, error) {
	var header []string
	var rows [][]string
	seen := make(map[string]struct{})

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, coordinator.Transient(err)
		}
		fileHeader, fileRows, err := readCSV(path)
		if err != nil {
			return nil, nil, coordinator.Fatal(fmt.Errorf("read %s: %w", filepath.Base(path), err))
		}
		if len(fileHeader) == 0 {
			m.logger.Warn().Str("file", filepath.Base(path)).Msg("empty export skipped")
			continue
		}
		if header == nil {
			header = fileHeader
		} else if !equalHeader(header, fileHeader) {
			m.logger.Warn().
				Str("file", filepath.Base(path)).
				Msg("header differs from first export, keeping first header")
		}
		for _, row := range fileRows {
			key := strings.Join(row, "\x1f")
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, row)
		}
	}
	if header == nil {
		return nil, nil, coordinator.Fatal(errors.New("all collected files were empty"))
	}
	return header, rows, nil
}

func readCSV(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		record, rerr := r.Read()
		if errors.Is(rerr, io.EOF) {
			return header, rows, nil
		}
		if rerr != nil {
			return nil, nil, rerr
		}
		if header == nil {
			header = record
			continue
		}
		rows = append(rows, record)
	}
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write report header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write report rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush report: %w", err)
	}
	return f.Close()
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(strings.TrimSpace(a[i]), strings.TrimSpace(b[i])) {
			return false
		}
	}
	return true
}
