/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry holds the configured daily slots the scheduler fires.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/munin_collect/internal/config"
	"github.com/friendsincode/munin_collect/internal/events"
	"github.com/friendsincode/munin_collect/internal/models"
)

var (
	// ErrNotFound signals an unknown slot id.
	ErrNotFound = errors.New("slot not found")
	// ErrInvalidTime signals an unparsable time-of-day value.
	ErrInvalidTime = errors.New("invalid time of day")
)

// Registry is the gorm-backed slot registry.
type Registry struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// New constructs the registry.
func New(database *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Load returns all configured slots ordered by id.
func (r *Registry) Load(ctx context.Context) ([]models.CollectionSlot, error) {
	var slots []models.CollectionSlot
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	return slots, nil
}

// Get returns one slot by id.
func (r *Registry) Get(ctx context.Context, id int) (models.CollectionSlot, error) {
	var slot models.CollectionSlot
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CollectionSlot{}, ErrNotFound
	}
	if err != nil {
		return models.CollectionSlot{}, err
	}
	return slot, nil
}

// UpdateFields are the mutable parts of a slot. Nil pointers leave the field
// untouched.
type UpdateFields struct {
	TimeOfDay   *string
	Enabled     *bool
	Description *string
}

// Update mutates a slot and publishes a slots-changed event so the scheduler
// rebuilds its timers.
func (r *Registry) Update(ctx context.Context, id int, fields UpdateFields) (models.CollectionSlot, error) {
	slot, err := r.Get(ctx, id)
	if err != nil {
		return models.CollectionSlot{}, err
	}

	updates := map[string]any{}
	if fields.TimeOfDay != nil {
		if _, _, err := config.ParseTimeOfDay(*fields.TimeOfDay); err != nil {
			return models.CollectionSlot{}, fmt.Errorf("%w: %q", ErrInvalidTime, *fields.TimeOfDay)
		}
		updates["time_of_day"] = *fields.TimeOfDay
	}
	if fields.Enabled != nil {
		updates["enabled"] = *fields.Enabled
	}
	if fields.Description != nil {
		updates["description"] = *fields.Description
	}
	if len(updates) == 0 {
		return slot, nil
	}

	if err := r.db.WithContext(ctx).Model(&slot).Updates(updates).Error; err != nil {
		return models.CollectionSlot{}, fmt.Errorf("update slot %d: %w", id, err)
	}

	updated, err := r.Get(ctx, id)
	if err != nil {
		return models.CollectionSlot{}, err
	}

	r.logger.Info().Int("slot", id).Str("time", updated.TimeOfDay).Bool("enabled", updated.Enabled).
		Msg("slot updated")
	r.bus.Publish(events.EventSlotsChanged, events.Payload{"slot_id": id})

	return updated, nil
}

// slotSeed mirrors one entry of the YAML seed file.
type slotSeed struct {
	ID          int    `yaml:"id"`
	Time        string `yaml:"time"`
	Kind        string `yaml:"kind"`
	Enabled     *bool  `yaml:"enabled"`
	Description string `yaml:"description"`
}

// Seed populates the slot table from a YAML file when the table is empty.
// An existing configuration is never overwritten.
func (r *Registry) Seed(ctx context.Context, path string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.CollectionSlot{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count slots: %w", err)
	}
	if count > 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read slot seed %s: %w", path, err)
	}

	var seeds []slotSeed
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse slot seed %s: %w", path, err)
	}

	slots := make([]models.CollectionSlot, 0, len(seeds))
	for _, seed := range seeds {
		if seed.ID <= 0 {
			return fmt.Errorf("slot seed: id %d must be positive", seed.ID)
		}
		if _, _, err := config.ParseTimeOfDay(seed.Time); err != nil {
			return fmt.Errorf("slot seed %d: %w: %q", seed.ID, ErrInvalidTime, seed.Time)
		}
		kind := models.SlotKind(seed.Kind)
		switch kind {
		case models.KindCollection, models.KindAggregation, models.KindReport:
		case "":
			kind = models.KindCollection
		default:
			return fmt.Errorf("slot seed %d: unknown kind %q", seed.ID, seed.Kind)
		}
		enabled := true
		if seed.Enabled != nil {
			enabled = *seed.Enabled
		}
		slots = append(slots, models.CollectionSlot{
			ID:          seed.ID,
			TimeOfDay:   seed.Time,
			Enabled:     enabled,
			Kind:        kind,
			Description: seed.Description,
		})
	}

	if len(slots) == 0 {
		return fmt.Errorf("slot seed %s contains no slots", path)
	}

	if err := r.db.WithContext(ctx).Create(&slots).Error; err != nil {
		return fmt.Errorf("seed slots: %w", err)
	}

	r.logger.Info().Int("count", len(slots)).Str("seed", path).Msg("slot registry seeded")
	return nil
}
