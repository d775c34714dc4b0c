/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notifications delivers operator-facing email and keeps an audit row
// for every delivery attempt.
package notifications

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/munin_collect/internal/coordinator"
	"github.com/friendsincode/munin_collect/internal/models"
)

// Config holds notification service configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	From         string
	To           []string
}

// Service sends operator email and records every attempt. It satisfies the
// coordinator's Notifier: delivery failures are logged and recorded, never
// returned, so a broken mail relay cannot fail an execution.
type Service struct {
	db     *gorm.DB
	config Config
	logger zerolog.Logger
}

// NewService creates the notification service.
func NewService(db *gorm.DB, config Config, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		config: config,
		logger: logger.With().Str("component", "notifications").Logger(),
	}
}

// Escalate notifies operators that a run or the daily guarantee needs a human.
func (s *Service) Escalate(ctx context.Context, ec coordinator.EscalateContext) {
	nType := models.NotificationTypeEscalation
	var subject, body string
	switch ec.Cause {
	case "shortfall":
		nType = models.NotificationTypeShortfall
		subject = fmt.Sprintf("[munin] %s: %d file(s) short at cutoff", ec.DateBucket, ec.Shortfall)
		body = fmt.Sprintf(
			"The %s bucket closed %d file(s) below the daily minimum.\n\nManual collection is required.",
			ec.DateBucket, ec.Shortfall)
	case "fatal_failure":
		subject = fmt.Sprintf("[munin] %s: slot %d failed permanently", ec.DateBucket, ec.SlotID)
		body = fmt.Sprintf(
			"Slot %d hit a non-retryable failure on attempt %d:\n\n%s",
			ec.SlotID, ec.Attempts, ec.Err)
	default:
		subject = fmt.Sprintf("[munin] %s: slot %d gave up after %d attempts", ec.DateBucket, ec.SlotID, ec.Attempts)
		body = fmt.Sprintf(
			"Slot %d exhausted its retry budget.\n\nLast error: %s",
			ec.SlotID, ec.Err)
	}

	s.deliver(ctx, &models.Notification{
		Type:       nType,
		DateBucket: ec.DateBucket,
		Subject:    subject,
		Body:       body,
	}, "")
}

// Report mails the merged daily artifact to the operators, attached.
func (s *Service) Report(ctx context.Context, dateBucket, artifactRef string) {
	s.deliver(ctx, &models.Notification{
		Type:       models.NotificationTypeReport,
		DateBucket: dateBucket,
		Subject:    fmt.Sprintf("[munin] daily report for %s", dateBucket),
		Body:       fmt.Sprintf("The merged report for %s is attached.\n\nSource: %s", dateBucket, artifactRef),
	}, artifactRef)
}

// BucketCreated announces a fresh daily folder, mostly useful as an audit row.
func (s *Service) BucketCreated(ctx context.Context, dateBucket string) {
	s.deliver(ctx, &models.Notification{
		Type:       models.NotificationTypeBucketCreated,
		DateBucket: dateBucket,
		Subject:    fmt.Sprintf("[munin] new bucket %s", dateBucket),
		Body:       fmt.Sprintf("Collection started for bucket %s.", dateBucket),
	}, "")
}

// History returns the most recent notifications, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.Notification
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (s *Service) deliver(ctx context.Context, n *models.Notification, attachment string) {
	n.ID = uuid.NewString()
	n.Status = models.NotificationStatusSent
	n.CreatedAt = time.Now()

	if err := s.sendEmail(n, attachment); err != nil {
		n.Status = models.NotificationStatusFailed
		n.Error = err.Error()
		s.logger.Error().Err(err).
			Str("type", string(n.Type)).
			Str("bucket", n.DateBucket).
			Msg("notification delivery failed")
	} else {
		s.logger.Info().
			Str("type", string(n.Type)).
			Str("bucket", n.DateBucket).
			Str("subject", n.Subject).
			Msg("notification sent")
	}

	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		s.logger.Error().Err(err).Str("id", n.ID).Msg("failed to save notification audit row")
	}
}

func (s *Service) sendEmail(n *models.Notification, attachment string) error {
	if s.config.SMTPHost == "" {
		return fmt.Errorf("SMTP not configured")
	}
	if len(s.config.To) == 0 {
		return fmt.Errorf("no notification recipients configured")
	}

	msg, err := buildMessage(s.config.From, s.config.To, n.Subject, n.Body, attachment)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, s.config.From, s.config.To, msg); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	return nil
}

// buildMessage assembles an RFC 5322 message, multipart when a file is
// attached, plain text otherwise.
func buildMessage(from string, to []string, subject, body, attachment string) ([]byte, error) {
	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")

	if attachment == "" {
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
		return []byte(msg.String()), nil
	}

	data, err := os.ReadFile(attachment)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}

	const boundary = "munin-report-boundary"
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary))

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/csv\r\n")
	msg.WriteString("Content-Transfer-Encoding: base64\r\n")
	msg.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n\r\n", filepath.Base(attachment)))

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		msg.WriteString(encoded[:76])
		msg.WriteString("\r\n")
		encoded = encoded[76:]
	}
	msg.WriteString(encoded)
	msg.WriteString("\r\n")
	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return []byte(msg.String()), nil
}
