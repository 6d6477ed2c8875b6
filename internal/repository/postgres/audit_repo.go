package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentledger/internal/audit"
)

var auditColumns = []string{
	"id", "trace_id", "agent_id", "command", "status",
	"expected_version", "version", "error", "duration_ms", "timestamp",
}

// AuditRepo пишет пачки аудита через COPY.
type AuditRepo struct {
	db DBPool
}

func NewAuditRepo(db DBPool) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.CommandRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		var expected *int64
		if rec.ExpectedVersion != nil {
			v := int64(*rec.ExpectedVersion)
			expected = &v
		}
		rows = append(rows, []any{
			rec.ID, rec.TraceID, rec.AgentID, rec.Command, rec.Status,
			expected, int64(rec.Version), rec.Error, rec.DurationMs, rec.Timestamp,
		})
	}

	n, err := r.db.CopyFrom(ctx, pgx.Identifier{"command_audit"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: failed to copy audit batch: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("postgres: audit copy wrote %d of %d rows", n, len(records))
	}
	return nil
}
