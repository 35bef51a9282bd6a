package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"adgov/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes entries into the audit_log table.
type PostgresSink struct {
	DB auditDB
}

func (s *PostgresSink) Append(ctx context.Context, entry models.AuditLogEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_log
		(ts, actor, action, property, operation_type, result, details, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.Timestamp, entry.User, entry.Action, entry.Property, entry.OperationType, entry.Result, entry.Details, entry.ErrorMessage)
	return err
}
