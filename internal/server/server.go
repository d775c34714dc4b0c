/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the collection services together and runs the HTTP
// surface plus the background loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/munin_collect/internal/aggregator"
	"github.com/friendsincode/munin_collect/internal/api"
	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/clock"
	"github.com/friendsincode/munin_collect/internal/collector"
	"github.com/friendsincode/munin_collect/internal/config"
	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/db"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/logbuffer"
	"github.com/friendsincode/munin_collect/internal/models"
	"github.com/friendsincode/munin_collect/internal/monitor"
	"github.com/friendsincode/munin_collect/internal/notifications"
	"github.com/friendsincode/munin_collect/internal/registry"
	"github.com/friendsincode/munin_collect/internal/retry"
	"github.com/friendsincode/munin_collect/internal/scheduler"
	"github.com/friendsincode/munin_collect/internal/store"
	"github.com/friendsincode/munin_collect/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	metricsSrv *http.Server
	closers    []func() error

	db          *gorm.DB
	bus         *events.Bus
	logBuf      *logbuffer.Buffer
	registry    *registry.Registry
	store       *store.Store
	coordinator *coordinator.Coordinator
	monitor     *monitor.Monitor
	scheduler   *scheduler.Service
	notifier    *notifications.Service
	api         *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
		logBuf: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		srv.metricsSrv = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := os.MkdirAll(s.cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root %s: %w", s.cfg.DataRoot, err)
	}
	s.logger.Info().Str("path", s.cfg.DataRoot).Msg("data root ready")

	s.store = store.New(database, s.logger)

	// Any execution left Running by a previous process did not survive it.
	reconciled, err := s.store.ReconcileInterrupted(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile interrupted executions: %w", err)
	}
	if reconciled > 0 {
		s.logger.Warn().Int("count", reconciled).Msg("marked interrupted executions as failed")
	}

	s.registry = registry.New(database, s.bus, s.logger)
	if s.cfg.SlotSeed != "" {
		if err := s.registry.Seed(context.Background(), s.cfg.SlotSeed); err != nil {
			return fmt.Errorf("seed slots: %w", err)
		}
	}

	layout := bucket.NewLayout(s.cfg.DataRoot)
	clk := clock.System{}

	s.notifier = notifications.NewService(database, notifications.Config{
		SMTPHost:     s.cfg.SMTPHost,
		SMTPPort:     s.cfg.SMTPPort,
		SMTPUsername: s.cfg.SMTPUsername,
		SMTPPassword: s.cfg.SMTPPassword,
		From:         s.cfg.SMTPFrom,
		To:           s.cfg.SMTPTo,
	}, s.logger)

	portal := collector.New(collector.Config{
		URL:        s.cfg.PortalURL,
		Username:   s.cfg.PortalUsername,
		Password:   s.cfg.PortalPassword,
		BrowserBin: s.cfg.BrowserBin,
	}, layout, s.logger)
	merger := aggregator.New(layout, s.logger)

	policy := retry.NewPolicy(s.cfg.RetryCeiling, s.cfg.BackoffBase)
	s.coordinator = coordinator.New(s.store, portal, merger, s.notifier, policy, clk, s.bus, s.cfg.AttemptTimeout, s.logger)

	cutoffHour, cutoffMinute, err := config.ParseTimeOfDay(s.cfg.GuaranteeCutoff)
	if err != nil {
		return fmt.Errorf("guarantee cutoff: %w", err)
	}
	s.monitor = monitor.New(s.coordinator, s.store, s.notifier, layout, clk, s.bus, monitor.Config{
		Threshold:         s.cfg.GuaranteeThreshold,
		CutoffHour:        cutoffHour,
		CutoffMinute:      cutoffMinute,
		PollInterval:      s.cfg.PollInterval,
		WindowStartHour:   s.cfg.WindowStartHour,
		WindowEndHour:     s.cfg.WindowEndHour,
		AllowPartial:      s.cfg.AllowPartialAggregation,
		AggregationSlotID: models.AggregationSlotID,
	}, s.logger)

	s.scheduler = scheduler.New(s.registry, s.coordinator, s.store, clk, s.bus, scheduler.Config{
		WindowEndHour: s.cfg.WindowEndHour,
	}, s.logger)

	s.api = api.New(s.registry, s.store, s.coordinator, s.monitor, s.notifier, s.logBuf, clk, s.logger)
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the metrics listener, nil when disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsSrv
}

// Close drains in-flight executions, stops the loops, and releases owned
// resources in reverse order.
func (s *Server) Close() error {
	s.coordinator.Drain(s.cfg.ShutdownGrace)
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("guarantee monitor exited")
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}
