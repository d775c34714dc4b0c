/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bucket derives date-bucket labels and resolves the on-disk layout
// for a day's collected files and merged artifacts.
package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Label maps a date to its bucket label: zero-padded day plus lowercase
// abbreviated month, e.g. "04jul". Pure and total for any valid date.
func Label(t time.Time) string {
	return strings.ToLower(t.Format("02Jan"))
}

// Layout resolves bucket directories under a data root.
type Layout struct {
	Root string
}

// NewLayout creates a layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// DataDir is where collected CSV files for the bucket live.
func (l Layout) DataDir(label string) string {
	return filepath.Join(l.Root, "data", label)
}

// MergeDir is where merged daily artifacts for the bucket live.
func (l Layout) MergeDir(label string) string {
	return filepath.Join(l.Root, "merge", label)
}

// ArtifactPath is the canonical merged report path for the bucket.
func (l Layout) ArtifactPath(label string) string {
	return filepath.Join(l.MergeDir(label), fmt.Sprintf("report_%s.csv", label))
}

// EnsureDataDir creates the bucket's data directory if missing and returns it.
func (l Layout) EnsureDataDir(label string) (string, error) {
	dir := l.DataDir(label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket data dir: %w", err)
	}
	return dir, nil
}

// CountCSVFiles returns the number of CSV files present in the bucket's data
// directory. A missing directory counts as zero, not an error.
func (l Layout) CountCSVFiles(label string) (int, error) {
	entries, err := os.ReadDir(l.DataDir(label))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read bucket data dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			count++
		}
	}
	return count, nil
}

// CSVFiles lists CSV file paths in the bucket's data directory, sorted by name.
func (l Layout) CSVFiles(label string) ([]string, error) {
	entries, err := os.ReadDir(l.DataDir(label))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket data dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			files = append(files, filepath.Join(l.DataDir(label), e.Name()))
		}
	}
	return files, nil
}
