// Package notify delivers user-facing notices about finished runs.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseanalysis-backend/internal/shared/telemetry"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notification is one message for one user.
type Notification struct {
	UserID   string
	Title    string
	Body     string
	Severity Severity
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// DefaultTimeout bounds a single Send.
const DefaultTimeout = 5 * time.Second

// Send delivers n without letting sink failures reach the caller.
func Send(ctx context.Context, sink Sink, n Notification) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()
	if err := sink.Notify(ctx, n); err != nil {
		telemetry.Warn("notify.failed", map[string]any{
			"user_id":  n.UserID,
			"title":    n.Title,
			"severity": string(n.Severity),
			"error":    err,
		})
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	telemetry.Info("notify.sent", map[string]any{
		"user_id":  n.UserID,
		"title":    n.Title,
		"body":     n.Body,
		"severity": string(n.Severity),
	})
	return nil
}

// PGSink stores notifications in the notifications table.
type PGSink struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s *PGSink) Notify(ctx context.Context, n Notification) error {
	if s == nil || s.DB == nil {
		return errors.New("notification store not configured")
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	severity := n.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	const query = `
INSERT INTO notifications (id, user_id, title, body, severity, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.DB.ExecContext(ctx, query, uuid.NewString(), n.UserID, n.Title, n.Body, severity, now); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
