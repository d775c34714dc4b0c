/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package coordinator drives a single slot's run through its state machine,
// applying the retry policy and persisting every transition.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/retry"
	"github.com/friendsincode/munin_collect/internal/store"
	"github.com/friendsincode/munin_collect/internal/telemetry"
)

// Collector performs one collection attempt for a date bucket.
type Collector interface {
	Collect(ctx context.Context, dateBucket string) (filesCollected int, err error)
}

// Aggregator merges a bucket's collected files into a single artifact.
type Aggregator interface {
	Aggregate(ctx context.Context, dateBucket string) (artifactRef string, err error)
}

// EscalateContext describes why an escalation fired.
type EscalateContext struct {
	DateBucket string
	SlotID     int
	Cause      string // "retries_exhausted", "fatal_failure", "shortfall"
	Attempts   int
	Err        string
	Shortfall  int // set only for shortfall escalations
}

// Notifier delivers operator-facing messages. Delivery failures are the
// notifier's problem; they are logged there and never propagate here.
type Notifier interface {
	Escalate(ctx context.Context, ec EscalateContext)
	Report(ctx context.Context, dateBucket, artifactRef string)
}

// ExecutionStore is the durable state the coordinator transitions.
type ExecutionStore interface {
	CreateRunning(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error)
	Complete(ctx context.Context, executionID string, filesCollected int, artifactRef string) (models.ExecutionRecord, error)
	Fail(ctx context.Context, executionID, errorSummary string) (models.ExecutionRecord, error)
	Retrying(ctx context.Context, executionID string, attempt int, errorSummary string) (models.ExecutionRecord, error)
	Latest(ctx context.Context, slotID int, dateBucket string) (*models.ExecutionRecord, error)
	LatestByKind(ctx context.Context, dateBucket string, kind models.SlotKind) (*models.ExecutionRecord, error)
}

// Coordinator owns the per-(slot, bucket) run state machine.
type Coordinator struct {
	store      ExecutionStore
	collector  Collector
	aggregator Aggregator
	notifier   Notifier
	policy     retry.Policy
	clk        clock.Clock
	bus        *events.Bus
	logger     zerolog.Logger

	attemptTimeout time.Duration

	mu       sync.Mutex
	locks    map[string]struct{}
	inflight sync.WaitGroup
	draining bool
}

// New constructs the coordinator.
func New(st ExecutionStore, col Collector, agg Aggregator, not Notifier, policy retry.Policy, clk clock.Clock, bus *events.Bus, attemptTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Minute
	}
	return &Coordinator{
		store:          st,
		collector:      col,
		aggregator:     agg,
		notifier:       not,
		policy:         policy,
		clk:            clk,
		bus:            bus,
		logger:         logger.With().Str("component", "coordinator").Logger(),
		attemptTimeout: attemptTimeout,
		locks:          make(map[string]struct{}),
	}
}

// ErrDraining signals the coordinator is shutting down and accepts no new runs.
var ErrDraining = errors.New("coordinator draining")

// Execute runs one logical execution for (slotID, bucket) and returns the
// final record synchronously. If an execution is already in flight for the
// key, the existing record is returned unchanged and no second run starts.
func (c *Coordinator) Execute(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error) {
	key := fmt.Sprintf("%d/%s", slotID, dateBucket)

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return models.ExecutionRecord{}, ErrDraining
	}
	if _, held := c.locks[key]; held {
		c.mu.Unlock()
		// Another goroutine in this process owns the run; surface its record.
		rec, err := c.store.Latest(ctx, slotID, dateBucket)
		if err != nil {
			return models.ExecutionRecord{}, err
		}
		if rec == nil {
			return models.ExecutionRecord{}, store.ErrAlreadyRunning
		}
		return *rec, nil
	}
	c.locks[key] = struct{}{}
	c.inflight.Add(1)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.locks, key)
		c.mu.Unlock()
		c.inflight.Done()
	}()

	// Aggregation is once per bucket: a completed aggregation short-circuits.
	if kind == models.KindAggregation {
		if prev, err := c.store.LatestByKind(ctx, dateBucket, models.KindAggregation); err == nil &&
			prev != nil && prev.Status == models.StatusCompleted {
			return *prev, nil
		}
	}

	record, err := c.store.CreateRunning(ctx, slotID, dateBucket, kind)
	if errors.Is(err, store.ErrAlreadyRunning) {
		// Concurrent is a no-op signal, not an error.
		return record, nil
	}
	if err != nil {
		return models.ExecutionRecord{}, err
	}

	return c.run(ctx, record, kind)
}

// Drain stops accepting new executions and waits up to grace for in-flight
// runs to reach a terminal state.
func (c *Coordinator) Drain(grace time.Duration) {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn().Dur("grace", grace).Msg("drain grace expired with executions in flight")
	}
}

func (c *Coordinator) run(ctx context.Context, record models.ExecutionRecord, kind models.SlotKind) (models.ExecutionRecord, error) {
	started := time.Now()
	attempt := record.Attempt
	// Terminal transitions and notifications must outlive the caller: an HTTP
	// client disconnecting mid-run must not strand the record in running.
	persistCtx := context.WithoutCancel(ctx)
	log := c.logger.With().
		Str("execution", record.ID).
		Int("slot", record.SlotID).
		Str("bucket", record.DateBucket).
		Str("kind", string(kind)).
		Logger()

	for {
		files, artifact, err := c.attempt(ctx, record.DateBucket, kind)
		if err == nil {
			final, serr := c.store.Complete(persistCtx, record.ID, files, artifact)
			if serr != nil {
				return record, fmt.Errorf("persist completion: %w", serr)
			}
			log.Info().Int("attempt", attempt).Int("files", files).Msg("execution completed")
			c.finish(final, started)
			if kind == models.KindAggregation || kind == models.KindReport {
				c.notifier.Report(persistCtx, record.DateBucket, artifact)
			}
			return final, nil
		}

		failureKind := Classify(err)
		action := c.policy.Decide(attempt, failureKind)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Str("failure_kind", string(failureKind)).
			Str("decision", string(action.Decision)).
			Msg("execution attempt failed")

		if action.Decision == retry.DecisionRetryAfter {
			attempt++
			if _, serr := c.store.Retrying(persistCtx, record.ID, attempt, err.Error()); serr != nil {
				return record, fmt.Errorf("persist retry: %w", serr)
			}
			telemetry.RetryAttemptsTotal.Inc()
			select {
			case <-ctx.Done():
				final, serr := c.store.Fail(persistCtx, record.ID, store.InterruptedSummary)
				if serr != nil {
					return record, fmt.Errorf("persist interruption: %w", serr)
				}
				log.Warn().Int("attempt", attempt).Msg("caller cancelled during backoff, recording interruption")
				c.finish(final, started)
				return final, nil
			case <-c.clk.After(action.Delay):
			}
			continue
		}

		final, serr := c.store.Fail(persistCtx, record.ID, err.Error())
		if serr != nil {
			return record, fmt.Errorf("persist failure: %w", serr)
		}
		c.finish(final, started)

		cause := "retries_exhausted"
		if failureKind == retry.Fatal {
			cause = "fatal_failure"
		}
		telemetry.EscalationsTotal.WithLabelValues(cause).Inc()
		c.notifier.Escalate(persistCtx, EscalateContext{
			DateBucket: record.DateBucket,
			SlotID:     record.SlotID,
			Cause:      cause,
			Attempts:   attempt,
			Err:        err.Error(),
		})
		return final, nil
	}
}

// attempt makes one collaborator call under the hard per-attempt timeout.
func (c *Coordinator) attempt(ctx context.Context, dateBucket string, kind models.SlotKind) (files int, artifact string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	switch kind {
	case models.KindCollection:
		files, err = c.collector.Collect(callCtx, dateBucket)
	case models.KindAggregation:
		artifact, err = c.aggregator.Aggregate(callCtx, dateBucket)
	case models.KindReport:
		prev, lerr := c.store.LatestByKind(ctx, dateBucket, models.KindAggregation)
		if lerr != nil {
			return 0, "", Transient(lerr)
		}
		if prev == nil || prev.Status != models.StatusCompleted || prev.ArtifactRef == "" {
			return 0, "", Fatal(errors.New("no aggregation artifact available to report"))
		}
		artifact = prev.ArtifactRef
	default:
		return 0, "", Fatal(fmt.Errorf("unknown slot kind %q", kind))
	}
	return files, artifact, err
}

func (c *Coordinator) finish(record models.ExecutionRecord, started time.Time) {
	telemetry.ExecutionsTotal.WithLabelValues(string(record.Kind), string(record.Status)).Inc()
	telemetry.ExecutionDuration.WithLabelValues(string(record.Kind)).Observe(time.Since(started).Seconds())
	if c.bus != nil {
		c.bus.Publish(events.EventExecutionFinished, events.Payload{
			"execution_id": record.ID,
			"slot_id":      record.SlotID,
			"bucket":       record.DateBucket,
			"status":       string(record.Status),
			"files":        record.FilesCollected,
		})
	}
}
