/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the operator-facing HTTP surface: slot management,
// execution history, guarantee status, and manual triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/logbuffer"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/monitor"
	"github.com/friendsincode/munin_collect/internal/notifications"
	"github.com/friendsincode/munin_collect/internal/registry"
	"github.com/friendsincode/munin_collect/internal/store"
)

// Executor triggers one execution and returns its final record.
type Executor interface {
	Execute(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error)
}

// API exposes HTTP handlers.
type API struct {
	registry *registry.Registry
	store    *store.Store
	executor Executor
	monitor  *monitor.Monitor
	notifier *notifications.Service
	logs     *logbuffer.Buffer
	clk      clock.Clock
	logger   zerolog.Logger
}

// New creates the API router wrapper.
func New(reg *registry.Registry, st *store.Store, executor Executor, mon *monitor.Monitor, notifier *notifications.Service, logs *logbuffer.Buffer, clk clock.Clock, logger zerolog.Logger) *API {
	return &API{
		registry: reg,
		store:    st,
		executor: executor,
		monitor:  mon,
		notifier: notifier,
		logs:     logs,
		clk:      clk,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)

		r.Route("/slots", func(r chi.Router) {
			r.Get("/", a.handleListSlots)
			r.Put("/{id}", a.handleUpdateSlot)
			r.Post("/{id}/trigger", a.handleTriggerSlot)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", a.handleListExecutions)
		})

		r.Post("/aggregate", a.handleTriggerAggregation)
		r.Get("/notifications", a.handleListNotifications)
		r.Get("/logs", a.handleListLogs)
	})
}

// handleStatus reports the day's guarantee progress.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	label, observed, threshold, triggered := a.monitor.Snapshot()
	if label == "" {
		label = bucket.Label(a.clk.Now())
	}

	slots, err := a.registry.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":                label,
		"files_observed":        observed,
		"threshold":             threshold,
		"aggregation_triggered": triggered,
		"slots":                 slots,
	})
}

func (a *API) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := a.registry.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (a *API) handleUpdateSlot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id")
		return
	}

	var req struct {
		TimeOfDay   *string `json:"time_of_day,omitempty"`
		Enabled     *bool   `json:"enabled,omitempty"`
		Description *string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	slot, err := a.registry.Update(r.Context(), id, registry.UpdateFields{
		TimeOfDay:   req.TimeOfDay,
		Enabled:     req.Enabled,
		Description: req.Description,
	})
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "slot_not_found")
		return
	}
	if errors.Is(err, registry.ErrInvalidTime) {
		writeError(w, http.StatusBadRequest, "invalid_time_of_day")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// handleTriggerSlot runs a slot out of schedule and waits for the outcome.
func (a *API) handleTriggerSlot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id")
		return
	}
	slot, err := a.registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "slot_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	label := bucket.Label(a.clk.Now())
	record, err := a.executor.Execute(r.Context(), slot.ID, label, slot.Kind)
	if errors.Is(err, coordinator.ErrDraining) {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Int("slot", id).Msg("manual trigger failed")
		writeError(w, http.StatusInternalServerError, "execution_error")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleTriggerAggregation forces the day's merge, regardless of the
// threshold. The coordinator still guarantees it happens at most once.
func (a *API) handleTriggerAggregation(w http.ResponseWriter, r *http.Request) {
	label := bucket.Label(a.clk.Now())
	record, err := a.executor.Execute(r.Context(), models.AggregationSlotID, label, models.KindAggregation)
	if errors.Is(err, coordinator.ErrDraining) {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("bucket", label).Msg("manual aggregation failed")
		writeError(w, http.StatusInternalServerError, "execution_error")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("bucket")
	if label == "" {
		label = bucket.Label(a.clk.Now())
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := a.store.History(r.Context(), label, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":     label,
		"executions": records,
	})
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.notifier.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

// handleListLogs serves the in-memory log tail, newest first.
func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []logbuffer.Entry{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	entries := a.logs.Tail(logbuffer.Query{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
		Limit:     limit,
	})
	if entries == nil {
		entries = []logbuffer.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
