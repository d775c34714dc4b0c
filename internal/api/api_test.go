/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/logbuffer"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/monitor"
	"github.com/friendsincode/munin_collect/internal/notifications"
	"github.com/friendsincode/munin_collect/internal/registry"
	"github.com/friendsincode/munin_collect/internal/store"
)

type fakeExecutor struct {
	lastSlot int
	lastKind models.SlotKind
	record   models.ExecutionRecord
}

func (f *fakeExecutor) Execute(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error) {
	f.lastSlot = slotID
	f.lastKind = kind
	f.record.SlotID = slotID
	f.record.DateBucket = dateBucket
	f.record.Kind = kind
	return f.record, nil
}

var tenAM = time.Date(2026, time.July, 4, 10, 0, 0, 0, time.UTC)

func testAPI(t *testing.T) (*httptest.Server, *fakeExecutor, *gorm.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.CollectionSlot{}, &models.ExecutionRecord{}, &models.Notification{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seed := []models.CollectionSlot{
		{ID: 1, TimeOfDay: "09:30", Enabled: true, Kind: models.KindCollection, Description: "morning run"},
		{ID: 2, TimeOfDay: "13:00", Enabled: true, Kind: models.KindCollection, Description: "afternoon run"},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed slots: %v", err)
	}

	log := zerolog.Nop()
	bus := events.NewBus()
	clk := clock.NewFake(tenAM)
	reg := registry.New(db, bus, log)
	st := store.New(db, log)
	executor := &fakeExecutor{record: models.ExecutionRecord{ID: "exec-1", Status: models.StatusCompleted}}
	notifier := notifications.NewService(db, notifications.Config{}, log)
	mon := monitor.New(executor, st, notifier, bucket.NewLayout(t.TempDir()), clk, bus, monitor.Config{
		Threshold: 8, CutoffHour: 17, WindowStartHour: 9, WindowEndHour: 17,
	}, log)

	logs := logbuffer.New(100)
	logs.Add(logbuffer.Entry{Level: "info", Component: "scheduler", Message: "slot armed", Timestamp: tenAM})

	a := New(reg, st, executor, mon, notifier, logs, clk, log)
	r := chi.NewRouter()
	a.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, executor, db
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func postJSON(t *testing.T, url, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := testAPI(t)

	body := getJSON(t, srv.URL+"/api/v1/status", http.StatusOK)
	if body["bucket"] != "04jul" {
		t.Errorf("bucket = %v, want 04jul", body["bucket"])
	}
	if body["threshold"].(float64) != 8 {
		t.Errorf("threshold = %v", body["threshold"])
	}
	if len(body["slots"].([]any)) != 2 {
		t.Errorf("slots = %v", body["slots"])
	}
}

func TestListSlots(t *testing.T) {
	srv, _, _ := testAPI(t)

	body := getJSON(t, srv.URL+"/api/v1/slots/", http.StatusOK)
	slots := body["slots"].([]any)
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2", len(slots))
	}
}

func TestUpdateSlot(t *testing.T) {
	srv, _, db := testAPI(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/slots/1",
		strings.NewReader(`{"time_of_day":"10:15"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var slot models.CollectionSlot
	if err := db.First(&slot, 1).Error; err != nil {
		t.Fatal(err)
	}
	if slot.TimeOfDay != "10:15" {
		t.Errorf("time_of_day = %q, want 10:15", slot.TimeOfDay)
	}
}

func TestUpdateSlotInvalidTime(t *testing.T) {
	srv, _, _ := testAPI(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/slots/1",
		strings.NewReader(`{"time_of_day":"25:99"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerSlot(t *testing.T) {
	srv, executor, _ := testAPI(t)

	resp := postJSON(t, srv.URL+"/api/v1/slots/2/trigger", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.lastSlot != 2 || executor.lastKind != models.KindCollection {
		t.Errorf("executed slot %d kind %s", executor.lastSlot, executor.lastKind)
	}

	var record models.ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatal(err)
	}
	if record.DateBucket != "04jul" || record.Status != models.StatusCompleted {
		t.Errorf("record = %+v", record)
	}
}

func TestTriggerUnknownSlot(t *testing.T) {
	srv, _, _ := testAPI(t)

	resp := postJSON(t, srv.URL+"/api/v1/slots/99/trigger", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerAggregation(t *testing.T) {
	srv, executor, _ := testAPI(t)

	resp := postJSON(t, srv.URL+"/api/v1/aggregate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if executor.lastKind != models.KindAggregation {
		t.Errorf("kind = %s, want aggregation", executor.lastKind)
	}
}

func TestListExecutions(t *testing.T) {
	srv, _, db := testAPI(t)
	now := time.Now()
	rec := models.ExecutionRecord{
		ID: "exec-hist", SlotID: 1, DateBucket: "04jul", Kind: models.KindCollection,
		Status: models.StatusCompleted, Attempt: 1, FilesCollected: 4, StartTime: now,
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	body := getJSON(t, srv.URL+"/api/v1/executions/?bucket=04jul", http.StatusOK)
	if len(body["executions"].([]any)) != 1 {
		t.Errorf("executions = %v", body["executions"])
	}
}

func TestListLogs(t *testing.T) {
	srv, _, _ := testAPI(t)

	body := getJSON(t, srv.URL+"/api/v1/logs?component=scheduler", http.StatusOK)
	logs := body["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	entry := logs[0].(map[string]any)
	if entry["message"] != "slot armed" {
		t.Errorf("message = %v", entry["message"])
	}
}
