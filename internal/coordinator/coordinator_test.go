/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/retry"
	"github.com/friendsincode/munin_collect/internal/store"
)

type fakeCollector struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (int, error)
}

func (f *fakeCollector) Collect(ctx context.Context, dateBucket string) (int, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(call)
}

func (f *fakeCollector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAggregator struct {
	mu       sync.Mutex
	calls    int
	artifact string
	err      error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, dateBucket string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.artifact, f.err
}

type fakeNotifier struct {
	mu        sync.Mutex
	escalates []EscalateContext
	reports   []string
}

func (f *fakeNotifier) Escalate(ctx context.Context, ec EscalateContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalates = append(f.escalates, ec)
}

func (f *fakeNotifier) Report(ctx context.Context, dateBucket, artifactRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, artifactRef)
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escalates), len(f.reports)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := database.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&models.ExecutionRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(database, zerolog.Nop())
}

func testHarness(t *testing.T, col Collector, agg Aggregator) (*Coordinator, *store.Store, *fakeNotifier) {
	t.Helper()
	st := testStore(t)
	notifier := &fakeNotifier{}
	policy := retry.NewPolicy(3, time.Millisecond)
	coord := New(st, col, agg, notifier, policy, clock.System{}, events.NewBus(), time.Second, zerolog.Nop())
	return coord, st, notifier
}

func TestExecuteCollectionSucceeds(t *testing.T) {
	col := &fakeCollector{fn: func(int) (int, error) { return 4, nil }}
	coord, _, notifier := testHarness(t, col, &fakeAggregator{})

	rec, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != models.StatusCompleted || rec.FilesCollected != 4 || rec.Attempt != 1 {
		t.Errorf("record = %+v, want completed 4 files attempt 1", rec)
	}
	if esc, rep := notifier.counts(); esc != 0 || rep != 0 {
		t.Errorf("collection success notified (escalate=%d report=%d)", esc, rep)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	// Two transient failures, then success: two retries recorded, third
	// attempt completes, no escalation.
	col := &fakeCollector{fn: func(call int) (int, error) {
		if call < 3 {
			return 0, Transient(errors.New("portal timeout"))
		}
		return 4, nil
	}}
	coord, _, notifier := testHarness(t, col, &fakeAggregator{})

	rec, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != models.StatusCompleted || rec.Attempt != 3 || rec.FilesCollected != 4 {
		t.Errorf("record = %+v, want completed attempt 3 with 4 files", rec)
	}
	if col.callCount() != 3 {
		t.Errorf("collector called %d times, want 3", col.callCount())
	}
	if esc, _ := notifier.counts(); esc != 0 {
		t.Errorf("escalated %d times, want 0", esc)
	}
}

func TestExecuteTransientExhaustsCeiling(t *testing.T) {
	col := &fakeCollector{fn: func(int) (int, error) {
		return 0, Transient(errors.New("portal unreachable"))
	}}
	coord, _, notifier := testHarness(t, col, &fakeAggregator{})

	rec, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != models.StatusFailed {
		t.Errorf("record status = %q, want failed", rec.Status)
	}
	if rec.ErrorSummary == "" {
		t.Error("terminal failure has empty error summary")
	}
	if col.callCount() != 3 {
		t.Errorf("collector called %d times, want ceiling of 3", col.callCount())
	}
	esc, _ := notifier.counts()
	if esc != 1 {
		t.Fatalf("escalated %d times, want exactly 1", esc)
	}
	if notifier.escalates[0].Cause != "retries_exhausted" {
		t.Errorf("escalation cause = %q", notifier.escalates[0].Cause)
	}
}

func TestExecuteFatalEscalatesImmediately(t *testing.T) {
	col := &fakeCollector{fn: func(int) (int, error) {
		return 0, Fatal(errors.New("login rejected"))
	}}
	coord, _, notifier := testHarness(t, col, &fakeAggregator{})

	rec, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Attempt != 1 {
		t.Errorf("record = %+v, want failed on first attempt", rec)
	}
	if col.callCount() != 1 {
		t.Errorf("collector called %d times, want 1 (no retries for fatal)", col.callCount())
	}
	esc, _ := notifier.counts()
	if esc != 1 || notifier.escalates[0].Cause != "fatal_failure" {
		t.Errorf("escalations = %+v, want one fatal_failure", notifier.escalates)
	}
}

func TestExecuteConcurrentDuplicateIsNoOp(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	col := &fakeCollector{fn: func(int) (int, error) {
		once.Do(func() { close(started) })
		<-release
		return 4, nil
	}}
	coord, _, _ := testHarness(t, col, &fakeAggregator{})
	ctx := context.Background()

	var first models.ExecutionRecord
	var firstErr error
	done := make(chan struct{})
	go func() {
		first, firstErr = coord.Execute(ctx, 1, "04jul", models.KindCollection)
		close(done)
	}()
	<-started

	// Second caller while the run is in flight gets the running record back
	// and triggers no second collection.
	dup, err := coord.Execute(ctx, 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatalf("duplicate Execute: %v", err)
	}
	if dup.Status != models.StatusRunning {
		t.Errorf("duplicate returned status %q, want running", dup.Status)
	}

	close(release)
	<-done
	if firstErr != nil {
		t.Fatalf("first Execute: %v", firstErr)
	}
	if first.Status != models.StatusCompleted {
		t.Errorf("first record = %+v", first)
	}
	if col.callCount() != 1 {
		t.Errorf("collector called %d times, want 1", col.callCount())
	}
}

func TestExecuteCancelledDuringBackoffPersistsFailure(t *testing.T) {
	// A caller disconnecting while the coordinator sleeps between attempts
	// must still leave a terminal record behind, or the (slot, bucket) key
	// stays claimed until restart.
	col := &fakeCollector{fn: func(int) (int, error) {
		return 0, Transient(errors.New("portal timeout"))
	}}
	st := testStore(t)
	notifier := &fakeNotifier{}
	clk := clock.NewFake(time.Date(2026, time.July, 4, 10, 0, 0, 0, time.UTC))
	policy := retry.NewPolicy(3, time.Hour)
	coord := New(st, col, &fakeAggregator{}, notifier, policy, clk, events.NewBus(), time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var rec models.ExecutionRecord
	var execErr error
	done := make(chan struct{})
	go func() {
		rec, execErr = coord.Execute(ctx, 1, "04jul", models.KindCollection)
		close(done)
	}()

	// Wait for the backoff timer to be armed, then cancel the caller.
	deadline := time.Now().Add(2 * time.Second)
	for clk.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backoff timer never armed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	if rec.Status != models.StatusFailed || rec.ErrorSummary != store.InterruptedSummary {
		t.Errorf("record = %+v, want failed/%s", rec, store.InterruptedSummary)
	}
	persisted, err := st.Latest(context.Background(), 1, "04jul")
	if err != nil {
		t.Fatal(err)
	}
	if persisted == nil || persisted.Status != models.StatusFailed {
		t.Errorf("persisted = %+v, want failed (not left running)", persisted)
	}
}

func TestExecuteDuplicateWithoutRecordSignalsRunning(t *testing.T) {
	// The window between taking the in-process lock and inserting the running
	// row: a duplicate caller gets the sentinel, never a silent zero record.
	coord, _, _ := testHarness(t, &fakeCollector{}, &fakeAggregator{})
	coord.mu.Lock()
	coord.locks["1/04jul"] = struct{}{}
	coord.mu.Unlock()

	_, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if !errors.Is(err, store.ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestExecuteAggregationReportsOnce(t *testing.T) {
	agg := &fakeAggregator{artifact: "/data/merge/04jul/report_04jul.csv"}
	coord, _, notifier := testHarness(t, &fakeCollector{}, agg)
	ctx := context.Background()

	rec, err := coord.Execute(ctx, 99, "04jul", models.KindAggregation)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != models.StatusCompleted || rec.ArtifactRef != agg.artifact {
		t.Errorf("record = %+v", rec)
	}
	if _, rep := notifier.counts(); rep != 1 {
		t.Errorf("reported %d times, want 1", rep)
	}

	// A second aggregation request for the same bucket is satisfied by the
	// completed record: no new run, no second report.
	again, err := coord.Execute(ctx, 99, "04jul", models.KindAggregation)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != rec.ID {
		t.Errorf("second aggregation created a new record %s", again.ID)
	}
	if agg.calls != 1 {
		t.Errorf("aggregator called %d times, want 1", agg.calls)
	}
	if _, rep := notifier.counts(); rep != 1 {
		t.Errorf("reported %d times after duplicate, want 1", rep)
	}
}

func TestExecuteAggregationFailureEscalates(t *testing.T) {
	agg := &fakeAggregator{err: Fatal(errors.New("merge directory missing"))}
	coord, _, notifier := testHarness(t, &fakeCollector{}, agg)

	rec, err := coord.Execute(context.Background(), 99, "04jul", models.KindAggregation)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusFailed {
		t.Errorf("record status = %q", rec.Status)
	}
	esc, rep := notifier.counts()
	if esc != 1 || rep != 0 {
		t.Errorf("escalate=%d report=%d, want 1/0", esc, rep)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	col := &fakeCollector{fn: func(call int) (int, error) {
		return 0, context.DeadlineExceeded
	}}
	coord, _, notifier := testHarness(t, col, &fakeAggregator{})

	rec, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if err != nil {
		t.Fatal(err)
	}
	// Timeouts consume the full transient retry budget before escalating.
	if col.callCount() != 3 {
		t.Errorf("collector called %d times, want 3", col.callCount())
	}
	if rec.Status != models.StatusFailed {
		t.Errorf("record status = %q", rec.Status)
	}
	if esc, _ := notifier.counts(); esc != 1 {
		t.Errorf("escalated %d times, want 1", esc)
	}
}

func TestDrainRejectsNewRuns(t *testing.T) {
	coord, _, _ := testHarness(t, &fakeCollector{fn: func(int) (int, error) { return 1, nil }}, &fakeAggregator{})

	coord.Drain(time.Millisecond)
	_, err := coord.Execute(context.Background(), 1, "04jul", models.KindCollection)
	if !errors.Is(err, ErrDraining) {
		t.Errorf("Execute after drain err = %v, want ErrDraining", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{name: "wrapped transient", err: Transient(errors.New("x")), want: retry.Transient},
		{name: "wrapped fatal", err: Fatal(errors.New("x")), want: retry.Fatal},
		{name: "deadline", err: context.DeadlineExceeded, want: retry.Transient},
		{name: "unclassified defaults transient", err: errors.New("x"), want: retry.Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}
