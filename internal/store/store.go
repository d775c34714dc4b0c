/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the durable record of past and in-flight executions. It is
// the single enforcement point for the one-Running-per-(slot, bucket)
// invariant; callers never decide exclusivity themselves.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/munin_collect/internal/models"
)

var (
	// ErrAlreadyRunning signals an execution is in flight for the same
	// (slot, bucket). Not a failure: callers treat it as a no-op signal.
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrNotFound signals the execution id is unknown.
	ErrNotFound = errors.New("execution not found")
	// ErrTerminal signals an attempted mutation of a finished record.
	ErrTerminal = errors.New("execution already terminal")
)

// InterruptedSummary marks records reconciled after a crash.
const InterruptedSummary = "interrupted"

// Store persists execution records.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New constructs the execution store.
func New(database *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// CreateRunning atomically creates a Running record for (slotID, bucket).
// Returns ErrAlreadyRunning, with the existing record, when one is in flight.
func (s *Store) CreateRunning(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind) (models.ExecutionRecord, error) {
	record := models.ExecutionRecord{
		ID:         uuid.NewString(),
		SlotID:     slotID,
		DateBucket: dateBucket,
		Kind:       kind,
		Status:     models.StatusRunning,
		Attempt:    1,
		StartTime:  time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("slot_id = ? AND date_bucket = ? AND status = ?", slotID, dateBucket, models.StatusRunning)
		// sqlite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var existing models.ExecutionRecord
		err := query.First(&existing).Error
		if err == nil {
			record = existing
			return ErrAlreadyRunning
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return record, ErrAlreadyRunning
		}
		// The partial unique index rejects duplicate Running rows that race
		// past the transaction on backends without serialized writes.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, lookupErr := s.running(ctx, slotID, dateBucket); lookupErr == nil {
				return existing, ErrAlreadyRunning
			}
			return models.ExecutionRecord{}, ErrAlreadyRunning
		}
		return models.ExecutionRecord{}, fmt.Errorf("create running execution: %w", err)
	}

	return record, nil
}

func (s *Store) running(ctx context.Context, slotID int, dateBucket string) (models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("slot_id = ? AND date_bucket = ? AND status = ?", slotID, dateBucket, models.StatusRunning).
		First(&record).Error
	return record, err
}

// Complete transitions a Running record to Completed.
func (s *Store) Complete(ctx context.Context, executionID string, filesCollected int, artifactRef string) (models.ExecutionRecord, error) {
	return s.finish(ctx, executionID, map[string]any{
		"status":          models.StatusCompleted,
		"files_collected": filesCollected,
		"artifact_ref":    artifactRef,
		"end_time":        time.Now().UTC(),
	})
}

// Fail transitions a Running record to Failed. Summary must be non-empty so
// no terminal failure is silent.
func (s *Store) Fail(ctx context.Context, executionID, errorSummary string) (models.ExecutionRecord, error) {
	if errorSummary == "" {
		errorSummary = "unknown error"
	}
	return s.finish(ctx, executionID, map[string]any{
		"status":        models.StatusFailed,
		"error_summary": errorSummary,
		"end_time":      time.Now().UTC(),
	})
}

// Retrying bumps the attempt counter of a Running record after a transient
// failure. The record stays Running; this is the Failed→Running loop edge.
func (s *Store) Retrying(ctx context.Context, executionID string, attempt int, errorSummary string) (models.ExecutionRecord, error) {
	return s.finish(ctx, executionID, map[string]any{
		"attempt":       attempt,
		"error_summary": errorSummary,
	})
}

func (s *Store) finish(ctx context.Context, executionID string, updates map[string]any) (models.ExecutionRecord, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ExecutionRecord{}).
		Where("id = ? AND status = ?", executionID, models.StatusRunning).
		Updates(updates)
	if result.Error != nil {
		return models.ExecutionRecord{}, fmt.Errorf("update execution %s: %w", executionID, result.Error)
	}
	if result.RowsAffected == 0 {
		var record models.ExecutionRecord
		err := s.db.WithContext(ctx).Where("id = ?", executionID).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ExecutionRecord{}, ErrNotFound
		}
		if err != nil {
			return models.ExecutionRecord{}, err
		}
		return record, ErrTerminal
	}

	var record models.ExecutionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", executionID).First(&record).Error; err != nil {
		return models.ExecutionRecord{}, err
	}
	return record, nil
}

// Skip records a suppressed fire as a terminal Skipped record, for audit.
func (s *Store) Skip(ctx context.Context, slotID int, dateBucket string, kind models.SlotKind, reason string) (models.ExecutionRecord, error) {
	now := time.Now().UTC()
	record := models.ExecutionRecord{
		ID:           uuid.NewString(),
		SlotID:       slotID,
		DateBucket:   dateBucket,
		Kind:         kind,
		Status:       models.StatusSkipped,
		Attempt:      1,
		ErrorSummary: reason,
		StartTime:    now,
		EndTime:      &now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("record skip: %w", err)
	}
	return record, nil
}

// Latest returns the most recent record for (slotID, bucket), or nil.
func (s *Store) Latest(ctx context.Context, slotID int, dateBucket string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("slot_id = ? AND date_bucket = ?", slotID, dateBucket).
		Order("start_time DESC, created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// LatestByKind returns the most recent record of the given kind for a bucket.
func (s *Store) LatestByKind(ctx context.Context, dateBucket string, kind models.SlotKind) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("date_bucket = ? AND kind = ?", dateBucket, kind).
		Order("start_time DESC, created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CountCompletedFiles sums files collected by Completed runs in the bucket.
func (s *Store) CountCompletedFiles(ctx context.Context, dateBucket string) (int, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.ExecutionRecord{}).
		Where("date_bucket = ? AND status = ?", dateBucket, models.StatusCompleted).
		Select("COALESCE(SUM(files_collected), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("count completed files: %w", err)
	}
	return int(total), nil
}

// History lists a bucket's records, newest first.
func (s *Store) History(ctx context.Context, dateBucket string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []models.ExecutionRecord
	query := s.db.WithContext(ctx).Order("start_time DESC, created_at DESC").Limit(limit)
	if dateBucket != "" {
		query = query.Where("date_bucket = ?", dateBucket)
	}
	err := query.Find(&records).Error
	return records, err
}

// ReconcileInterrupted transitions records left Running by a previous process
// to Failed("interrupted"). Runs at startup before scheduling resumes, so the
// dead runs become eligible for a fresh attempt.
func (s *Store) ReconcileInterrupted(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).
		Model(&models.ExecutionRecord{}).
		Where("status = ?", models.StatusRunning).
		Updates(map[string]any{
			"status":        models.StatusFailed,
			"error_summary": InterruptedSummary,
			"end_time":      time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reconcile interrupted executions: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn().Int64("count", result.RowsAffected).Msg("reconciled interrupted executions")
	}
	return int(result.RowsAffected), nil
}
