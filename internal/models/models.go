/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// SlotKind enumerates what a slot executes when it fires.
type SlotKind string

const (
	KindCollection  SlotKind = "collection"
	KindAggregation SlotKind = "aggregation"
	KindReport      SlotKind = "report"
)

// Reserved slot ids for guarantee-monitor requested runs. They share the
// exclusion namespace with scheduled slots without colliding with
// operator-defined ids (which start at 1), and they differ from each other so
// a running supplemental collection never blocks the day's aggregation.
const (
	SupplementalSlotID = 0
	AggregationSlotID  = -1
)

// CollectionSlot is one daily time-triggered job definition.
type CollectionSlot struct {
	ID          int      `gorm:"primaryKey" json:"id"`
	TimeOfDay   string   `gorm:"type:varchar(5);not null" json:"time_of_day"` // "HH:MM"
	Enabled     bool     `gorm:"not null;default:true" json:"enabled"`
	Kind        SlotKind `gorm:"type:varchar(16);not null" json:"kind"`
	Description string   `gorm:"type:text" json:"description"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hour and Minute parse TimeOfDay. Callers must have validated the format.
func (s CollectionSlot) Hour() int   { h, _ := parseHHMM(s.TimeOfDay); return h }
func (s CollectionSlot) Minute() int { _, m := parseHHMM(s.TimeOfDay); return m }

func parseHHMM(v string) (int, int) {
	var h, m int
	if len(v) == 5 && v[2] == ':' {
		h = int(v[0]-'0')*10 + int(v[1]-'0')
		m = int(v[3]-'0')*10 + int(v[4]-'0')
	}
	return h, m
}

// ExecutionStatus tracks an execution through its state machine.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ExecutionRecord is the durable record of one logical run of a slot for a
// date bucket. Owned exclusively by the execution store; mutated only through
// it; immutable once terminal.
type ExecutionRecord struct {
	ID             string          `gorm:"type:uuid;primaryKey" json:"id"`
	SlotID         int             `gorm:"index:idx_executions_slot_bucket;not null" json:"slot_id"`
	DateBucket     string          `gorm:"index:idx_executions_slot_bucket;type:varchar(8);not null" json:"date_bucket"`
	Kind           SlotKind        `gorm:"type:varchar(16);not null" json:"kind"`
	Status         ExecutionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempt        int             `gorm:"not null;default:1" json:"attempt"`
	FilesCollected int             `gorm:"not null;default:0" json:"files_collected"`
	ArtifactRef    string          `gorm:"type:text" json:"artifact_ref,omitempty"`
	ErrorSummary   string          `gorm:"type:text" json:"error_summary,omitempty"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationType defines the type of operator notification.
type NotificationType string

const (
	NotificationTypeEscalation    NotificationType = "escalation"     // retries exhausted or fatal failure
	NotificationTypeShortfall     NotificationType = "shortfall"      // cutoff passed below threshold
	NotificationTypeReport        NotificationType = "report"         // daily artifact ready
	NotificationTypeBucketCreated NotificationType = "bucket_created" // new daily folder
)

// NotificationStatus defines the delivery status.
type NotificationStatus string

const (
	NotificationStatusSent   NotificationStatus = "sent"
	NotificationStatusFailed NotificationStatus = "failed"
)

// Notification is an audit row for each operator-facing delivery attempt.
type Notification struct {
	ID         string             `gorm:"type:uuid;primaryKey" json:"id"`
	Type       NotificationType   `gorm:"type:varchar(32);not null" json:"type"`
	Status     NotificationStatus `gorm:"type:varchar(16);not null" json:"status"`
	DateBucket string             `gorm:"type:varchar(8);index" json:"date_bucket"`
	Subject    string             `gorm:"type:text" json:"subject"`
	Body       string             `gorm:"type:text" json:"body"`
	Error      string             `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
