// Package audit keeps an append-only trail of every operation attempt.
// A failed audit write is logged and swallowed: the trail must never
// block or fail the operation it records.
package audit

import (
	"context"
	"log"
	"time"

	"adgov/pkg/models"
)

// Sink persists a single audit entry.
type Sink interface {
	Append(ctx context.Context, entry models.AuditLogEntry) error
}

// Trail fans audit entries out to a sink. RedactUsers replaces the user
// field with a salted hash before the entry leaves the process.
type Trail struct {
	Sink        Sink
	RedactUsers bool
	HashSalt    []byte

	// Now is overridable for tests.
	Now func() time.Time
}

func (t *Trail) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// Record appends one entry. Missing timestamps are stamped with the
// current time. Sink failures are logged, never returned.
func (t *Trail) Record(ctx context.Context, entry models.AuditLogEntry) {
	if t == nil || t.Sink == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}
	if t.RedactUsers {
		entry.User = hashString(entry.User, t.HashSalt)
	}
	if err := t.Sink.Append(ctx, entry); err != nil {
		log.Printf("audit: append failed action=%s result=%s: %v", entry.Action, entry.Result, err)
	}
}

// Success records a successful operation attempt.
func (t *Trail) Success(ctx context.Context, user, action, property, opType, details string) {
	t.Record(ctx, models.AuditLogEntry{
		User:          user,
		Action:        action,
		Property:      property,
		OperationType: opType,
		Result:        models.ResultSuccess,
		Details:       details,
	})
}

// Failure records a failed operation attempt with the triggering error.
func (t *Trail) Failure(ctx context.Context, user, action, property, opType string, cause error) {
	entry := models.AuditLogEntry{
		User:          user,
		Action:        action,
		Property:      property,
		OperationType: opType,
		Result:        models.ResultFailure,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	t.Record(ctx, entry)
}

// Blocked records an operation stopped by a safety check before it ran.
func (t *Trail) Blocked(ctx context.Context, user, action, property, opType, reason string) {
	t.Record(ctx, models.AuditLogEntry{
		User:          user,
		Action:        action,
		Property:      property,
		OperationType: opType,
		Result:        models.ResultBlocked,
		Details:       reason,
	})
}
