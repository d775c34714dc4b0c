/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler maps registry slots to wall-clock timers and fires the
// execution coordinator at the right moments.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/telemetry"
)

// SlotLoader provides the configured slots.
type SlotLoader interface {
	Load(ctx context.Context) ([]models.CollectionSlot, error)
}

// Executor is the coordinator surface the scheduler fires.
type Executor interface {
	Execute(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error)
}

// RunLog answers whether a slot already ran today and records suppressed fires.
type RunLog interface {
	Latest(ctx context.Context, slotID int, dateBucket string) (*models.ExecutionRecord, error)
	Skip(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind, reason string) (models.ExecutionRecord, error)
}

// Config holds scheduler parameters.
type Config struct {
	// WindowEndHour bounds late-start catch-up fires: a slot missed earlier
	// today still fires at startup if the hour is at or before this.
	WindowEndHour int
}

// Service owns the slot timer set and its lifecycle.
type Service struct {
	loader   SlotLoader
	executor Executor
	runLog   RunLog
	clk      clock.Clock
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger

	mu          sync.Mutex
	buildCancel context.CancelFunc
	buildWG     *sync.WaitGroup

	runCtx context.Context
}

// New constructs the scheduler service.
func New(loader SlotLoader, executor Executor, runLog RunLog, clk clock.Clock, bus *events.Bus, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		loader:   loader,
		executor: executor,
		runLog:   runLog,
		clk:      clk,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run builds the timer set and serves rebuild requests until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx
	changed := s.bus.Subscribe(events.EventSlotsChanged)
	defer s.bus.Unsubscribe(events.EventSlotsChanged, changed)

	s.Rebuild(ctx)
	s.logger.Info().Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-changed:
			s.logger.Info().Msg("slot configuration changed, rebuilding timers")
			s.Rebuild(ctx)
		}
	}
}

// Rebuild atomically replaces the timer set with one built from the current
// registry contents. The previous set is cancelled before the new one starts.
func (s *Service) Rebuild(ctx context.Context) {
	slots, err := s.loader.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load slots, keeping previous timer set")
		return
	}

	s.mu.Lock()
	if s.buildCancel != nil {
		s.buildCancel()
		s.buildWG.Wait()
	}
	buildCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	s.buildCancel = cancel
	s.buildWG = wg

	armed := 0
	for _, slot := range slots {
		if !slot.Enabled {
			continue
		}
		wg.Add(1)
		go s.slotLoop(buildCtx, wg, slot)
		armed++
	}
	s.mu.Unlock()

	telemetry.SchedulerRebuildsTotal.Inc()
	s.logger.Info().Int("slots", armed).Int("configured", len(slots)).Msg("timer set rebuilt")
}

func (s *Service) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buildCancel != nil {
		s.buildCancel()
		s.buildWG.Wait()
		s.buildCancel = nil
	}
}

func (s *Service) slotLoop(ctx context.Context, wg *sync.WaitGroup, slot models.CollectionSlot) {
	defer wg.Done()

	// Late start: a slot whose time already passed today and which has no
	// record for today's bucket fires immediately, as long as the active
	// window has not closed.
	now := s.clk.Now()
	if s.missedToday(ctx, slot, now) {
		s.logger.Info().Int("slot", slot.ID).Str("time", slot.TimeOfDay).Msg("late start, firing missed slot")
		s.fire(slot)
	}

	for {
		d := nextOccurrence(slot, s.clk.Now())
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(d):
			s.fire(slot)
		}
	}
}

func (s *Service) missedToday(ctx context.Context, slot models.CollectionSlot, now time.Time) bool {
	slotTime := time.Date(now.Year(), now.Month(), now.Day(), slot.Hour(), slot.Minute(), 0, 0, now.Location())
	if !now.After(slotTime) {
		return false
	}
	if now.Hour() > s.cfg.WindowEndHour {
		return false
	}
	latest, err := s.runLog.Latest(ctx, slot.ID, bucket.Label(now))
	if err != nil {
		s.logger.Warn().Err(err).Int("slot", slot.ID).Msg("could not check today's run history")
		return false
	}
	return latest == nil
}

// fire requests an execution and returns immediately; a slow run never delays
// the next timer tick. Duplicate fires for a bucket are recorded as Skipped.
func (s *Service) fire(slot models.CollectionSlot) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	label := bucket.Label(s.clk.Now())
	telemetry.SchedulerFiresTotal.WithLabelValues(slot.TimeOfDay).Inc()

	latest, err := s.runLog.Latest(ctx, slot.ID, label)
	if err == nil && latest != nil {
		s.logger.Info().Int("slot", slot.ID).Str("bucket", label).Str("prior_status", string(latest.Status)).
			Msg("slot already has a run today, recording skip")
		if _, err := s.runLog.Skip(ctx, slot.ID, label, slot.Kind, "already executed today"); err != nil {
			s.logger.Warn().Err(err).Int("slot", slot.ID).Msg("failed to record skip")
		}
		return
	}

	s.logger.Info().Int("slot", slot.ID).Str("bucket", label).Str("kind", string(slot.Kind)).
		Msg("slot fired")
	go func() {
		if _, err := s.executor.Execute(ctx, slot.ID, label, slot.Kind); err != nil {
			s.logger.Warn().Err(err).Int("slot", slot.ID).Str("bucket", label).Msg("execution not started")
		}
	}()
}

// nextOccurrence returns the wait until the slot's next HH:MM, always in the
// future so a fire at exactly HH:MM schedules tomorrow's occurrence.
func nextOccurrence(slot models.CollectionSlot, now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), slot.Hour(), slot.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
