/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package monitor runs the minimum-files-per-day guarantee loop: supplemental
// collections before the cutoff, aggregation exactly once on threshold, a
// shortfall escalation when the cutoff passes below threshold.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/telemetry"
)

// Executor is the coordinator surface the monitor drives.
type Executor interface {
	Execute(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error)
}

// FileCounter reads completed file counts from the execution store.
type FileCounter interface {
	CountCompletedFiles(ctx context.Context, dateBucket string) (int, error)
}

// Config holds the guarantee parameters.
type Config struct {
	Threshold         int
	CutoffHour        int
	CutoffMinute      int
	PollInterval      time.Duration
	WindowStartHour   int
	WindowEndHour     int
	AllowPartial      bool
	AggregationSlotID int
}

// guaranteeState is the per-bucket decision state. It is rebuilt from the
// store and bucket directory after a restart, so it is not persisted.
type guaranteeState struct {
	label                string
	observedCount        int
	aggregationTriggered bool
	shortfallEscalated   bool
}

// Monitor polls the day's progress toward the file guarantee.
type Monitor struct {
	executor Executor
	counter  FileCounter
	notifier coordinator.Notifier
	layout   bucket.Layout
	clk      clock.Clock
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	state guaranteeState
}

// New constructs the monitor.
func New(executor Executor, counter FileCounter, notifier coordinator.Notifier, layout bucket.Layout, clk clock.Clock, bus *events.Bus, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Monitor{
		executor: executor,
		counter:  counter,
		notifier: notifier,
		layout:   layout,
		clk:      clk,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run executes the poll loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Int("threshold", m.cfg.Threshold).
		Dur("interval", m.cfg.PollInterval).
		Msg("guarantee monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("guarantee monitor stopped")
			return ctx.Err()
		case <-m.clk.After(m.cfg.PollInterval):
			m.Tick(ctx)
		}
	}
}

// Tick performs one guarantee evaluation. Exported so the scheduler-free
// paths (manual status checks, tests) can drive it directly.
func (m *Monitor) Tick(ctx context.Context) {
	telemetry.MonitorPollsTotal.Inc()

	now := m.clk.Now()
	label := bucket.Label(now)
	m.rolloverIfNeeded(label)

	if !m.inWindow(now) {
		return
	}

	observed := m.observe(ctx, label)
	telemetry.FilesObserved.Set(float64(observed))

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	beforeCutoff := m.beforeCutoff(now)

	switch {
	case observed >= m.cfg.Threshold:
		m.maybeTriggerAggregation(ctx, label, observed)

	case state.aggregationTriggered:
		// The bucket was already satisfied and aggregated; a later dip in the
		// observed count does not reopen collection.

	case beforeCutoff:
		// Optimistic: the coordinator's exclusion makes a duplicate request a
		// no-op, so no monitor-side locking is needed.
		m.logger.Info().
			Str("bucket", label).
			Int("observed", observed).
			Int("threshold", m.cfg.Threshold).
			Msg("below threshold, requesting supplemental collection")
		go func() {
			if _, err := m.executor.Execute(ctx, models.SupplementalSlotID, label, models.KindCollection); err != nil {
				m.logger.Warn().Err(err).Str("bucket", label).Msg("supplemental collection not started")
			}
		}()

	case !state.shortfallEscalated:
		m.escalateShortfall(ctx, label, observed)
		if m.cfg.AllowPartial && observed > 0 {
			m.maybeTriggerAggregation(ctx, label, observed)
		}
	}
}

// Snapshot returns the current guarantee state for status reporting.
func (m *Monitor) Snapshot() (label string, observed, threshold int, aggregationTriggered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.label, m.state.observedCount, m.cfg.Threshold, m.state.aggregationTriggered
}

func (m *Monitor) rolloverIfNeeded(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.label == label {
		return
	}
	prior := m.state.label
	m.state = guaranteeState{label: label}
	if prior != "" {
		m.logger.Info().Str("from", prior).Str("to", label).Msg("date bucket rolled over")
		if m.bus != nil {
			m.bus.Publish(events.EventBucketRollover, events.Payload{"from": prior, "to": label})
		}
	}
}

// observe reads the store's completed-file sum and the bucket directory and
// takes the larger, so files collected before a restart still count.
func (m *Monitor) observe(ctx context.Context, label string) int {
	observed, err := m.counter.CountCompletedFiles(ctx, label)
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", label).Msg("failed to count completed files")
	}
	if onDisk, err := m.layout.CountCSVFiles(label); err == nil && onDisk > observed {
		observed = onDisk
	}

	m.mu.Lock()
	if m.state.label == label {
		m.state.observedCount = observed
	}
	m.mu.Unlock()
	return observed
}

// maybeTriggerAggregation flips aggregationTriggered atomically with the
// trigger decision so concurrent poll ticks cannot request aggregation twice.
func (m *Monitor) maybeTriggerAggregation(ctx context.Context, label string, observed int) {
	m.mu.Lock()
	if m.state.label != label || m.state.aggregationTriggered {
		m.mu.Unlock()
		return
	}
	m.state.aggregationTriggered = true
	m.mu.Unlock()

	m.logger.Info().
		Str("bucket", label).
		Int("observed", observed).
		Msg("guarantee met, requesting aggregation")
	if m.bus != nil {
		m.bus.Publish(events.EventGuaranteeMet, events.Payload{"bucket": label, "observed": observed})
	}

	go func() {
		if _, err := m.executor.Execute(ctx, m.cfg.AggregationSlotID, label, models.KindAggregation); err != nil {
			m.logger.Error().Err(err).Str("bucket", label).Msg("aggregation not started")
		}
	}()
}

func (m *Monitor) escalateShortfall(ctx context.Context, label string, observed int) {
	m.mu.Lock()
	if m.state.label != label || m.state.shortfallEscalated {
		m.mu.Unlock()
		return
	}
	m.state.shortfallEscalated = true
	m.mu.Unlock()

	shortfall := m.cfg.Threshold - observed
	m.logger.Warn().
		Str("bucket", label).
		Int("observed", observed).
		Int("shortfall", shortfall).
		Msg("cutoff passed below threshold")
	telemetry.EscalationsTotal.WithLabelValues("shortfall").Inc()
	if m.bus != nil {
		m.bus.Publish(events.EventGuaranteeShortfall, events.Payload{"bucket": label, "shortfall": shortfall})
	}

	m.notifier.Escalate(ctx, coordinator.EscalateContext{
		DateBucket: label,
		Cause:      "shortfall",
		Shortfall:  shortfall,
	})
}

func (m *Monitor) inWindow(now time.Time) bool {
	hour := now.Hour()
	return hour >= m.cfg.WindowStartHour && hour <= m.cfg.WindowEndHour
}

func (m *Monitor) beforeCutoff(now time.Time) bool {
	cutoff := time.Date(now.Year(), now.Month(), now.Day(),
		m.cfg.CutoffHour, m.cfg.CutoffMinute, 0, 0, now.Location())
	return now.Before(cutoff)
}
