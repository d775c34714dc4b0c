/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MUNIN_DB_DSN", "file::memory:?cache=shared")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DBBackend != DatabaseSQLite {
		t.Errorf("default backend = %q, want sqlite", cfg.DBBackend)
	}
	if cfg.GuaranteeThreshold != 8 {
		t.Errorf("default threshold = %d, want 8", cfg.GuaranteeThreshold)
	}
	if cfg.GuaranteeCutoff != "17:00" {
		t.Errorf("default cutoff = %q, want 17:00", cfg.GuaranteeCutoff)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("default poll interval = %v, want 5m", cfg.PollInterval)
	}
	if cfg.RetryCeiling != 3 {
		t.Errorf("default retry ceiling = %d, want 3", cfg.RetryCeiling)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing DSN",
			env:  map[string]string{},
		},
		{
			name: "unknown backend",
			env: map[string]string{
				"MUNIN_DB_DSN":     "x",
				"MUNIN_DB_BACKEND": "oracle",
			},
		},
		{
			name: "threshold below one",
			env: map[string]string{
				"MUNIN_DB_DSN":              "x",
				"MUNIN_GUARANTEE_THRESHOLD": "0",
			},
		},
		{
			name: "unparsable cutoff",
			env: map[string]string{
				"MUNIN_DB_DSN":           "x",
				"MUNIN_GUARANTEE_CUTOFF": "5pm",
			},
		},
		{
			name: "cutoff outside window",
			env: map[string]string{
				"MUNIN_DB_DSN":           "x",
				"MUNIN_GUARANTEE_CUTOFF": "20:00",
			},
		},
		{
			name: "inverted window",
			env: map[string]string{
				"MUNIN_DB_DSN":            "x",
				"MUNIN_WINDOW_START_HOUR": "18",
			},
		},
		{
			name: "production requires portal credentials",
			env: map[string]string{
				"MUNIN_DB_DSN": "x",
				"MUNIN_ENV":    "production",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() succeeded, want validation error")
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{in: "09:30", hour: 9, minute: 30},
		{in: "13:00", hour: 13, minute: 0},
		{in: "00:00", hour: 0, minute: 0},
		{in: "23:59", hour: 23, minute: 59},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "9:30", wantErr: true},
		{in: "nope", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseTimeOfDay(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q): %v", tt.in, err)
			}
			if h != tt.hour || m != tt.minute {
				t.Errorf("ParseTimeOfDay(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.hour, tt.minute)
			}
		})
	}
}
