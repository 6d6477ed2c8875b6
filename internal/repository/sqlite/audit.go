package sqlite

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentledger/internal/audit"
)

// WriteBatch пишет пачку аудита одной транзакцией.
func (s *Store) WriteBatch(ctx context.Context, records []audit.CommandRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO command_audit (id, trace_id, agent_id, command, status, expected_version, version, error, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var expected any
		if rec.ExpectedVersion != nil {
			expected = int64(*rec.ExpectedVersion)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID.String(), rec.TraceID, rec.AgentID, rec.Command, rec.Status,
			expected, int64(rec.Version), rec.Error, rec.DurationMs, formatTime(rec.Timestamp),
		); err != nil {
			return fmt.Errorf("sqlite: insert audit record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit audit batch: %w", err)
	}
	return nil
}

// AuditRecords возвращает записи аудита агента в порядке времени.
func (s *Store) AuditRecords(ctx context.Context, agentID string) ([]audit.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, agent_id, command, status, expected_version, version, error, duration_ms, timestamp
		FROM command_audit
		WHERE agent_id = ?
		ORDER BY timestamp, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.CommandRecord
	for rows.Next() {
		var (
			rec      audit.CommandRecord
			id, ts   string
			expected *int64
			version  int64
		)
		if err := rows.Scan(&id, &rec.TraceID, &rec.AgentID, &rec.Command, &rec.Status,
			&expected, &version, &rec.Error, &rec.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		if err := rec.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("sqlite: audit id %q: %w", id, err)
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if expected != nil {
			v := uint64(*expected)
			rec.ExpectedVersion = &v
		}
		rec.Version = uint64(version)
		out = append(out, rec)
	}
	return out, rows.Err()
}
