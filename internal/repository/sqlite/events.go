package sqlite

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

func (s *Store) AppendEvents(ctx context.Context, id domain.AgentID, events []domain.Event, expected *uint64) ([]eventsource.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, eventsource.StoreError("append", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := eventsource.ValidateBatch(id, events); err != nil {
		return nil, err
	}

	payloads := make([][]byte, len(events))
	for i, e := range events {
		data, err := domain.MarshalEventData(e)
		if err != nil {
			return nil, err
		}
		payloads[i] = data
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("sqlite: begin tx: %w", err))
	}
	defer tx.Rollback()

	key := id.String()
	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE aggregate_id = ?`, key,
	).Scan(&version); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("sqlite: read stream version: %w", err))
	}
	current := uint64(version)
	if expected != nil && *expected != current {
		return nil, &eventsource.ConcurrencyConflictError{Expected: *expected, Actual: current}
	}

	envs := eventsource.NewEnvelopes(ctx, id, current, events, s.now())
	for i, env := range envs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_events (aggregate_id, sequence, event_type, payload, recorded_at, correlation_id, causation_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, int64(env.Sequence), env.Event.EventType(), string(payloads[i]),
			formatTime(env.Timestamp), env.CorrelationID.String(), env.CausationID.String(),
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, &eventsource.ConcurrencyConflictError{Expected: current, Actual: env.Sequence}
			}
			return nil, eventsource.StoreError("append", fmt.Errorf("sqlite: insert event %d: %w", env.Sequence, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("sqlite: commit: %w", err))
	}
	return envs, nil
}

func (s *Store) Events(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error) {
	return s.EventsFromVersion(ctx, id, 0)
}

func (s *Store) EventsFromVersion(ctx context.Context, id domain.AgentID, from uint64) ([]eventsource.EventEnvelope, error) {
	if from > math.MaxInt64 {
		// sequence хранится как INTEGER, таких версий не бывает
		return []eventsource.EventEnvelope{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, recorded_at, correlation_id, causation_id
		FROM agent_events
		WHERE aggregate_id = ? AND sequence > ?
		ORDER BY sequence`, id.String(), int64(from))
	if err != nil {
		return nil, eventsource.StoreError("read", fmt.Errorf("sqlite: query events: %w", err))
	}
	defer rows.Close()

	out := []eventsource.EventEnvelope{}
	for rows.Next() {
		var (
			seq                   int64
			eventType, payload    string
			recordedAt, corr, cau string
		)
		if err := rows.Scan(&seq, &eventType, &payload, &recordedAt, &corr, &cau); err != nil {
			return nil, eventsource.StoreError("read", fmt.Errorf("sqlite: scan event: %w", err))
		}
		env, err := decodeRow(id, seq, eventType, payload, recordedAt, corr, cau)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsource.StoreError("read", fmt.Errorf("sqlite: rows: %w", err))
	}
	return out, nil
}

func decodeRow(id domain.AgentID, seq int64, eventType, payload, recordedAt, corr, cau string) (eventsource.EventEnvelope, error) {
	ev, err := domain.DecodeEvent(eventType, []byte(payload))
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("event %d of %s: %w", seq, id, err)
	}
	ts, err := parseTime(recordedAt)
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: %v", domain.ErrSerialization, seq, id, err)
	}
	correlation, err := uuid.Parse(corr)
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: correlation id: %v", domain.ErrSerialization, seq, id, err)
	}
	causation, err := uuid.Parse(cau)
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: causation id: %v", domain.ErrSerialization, seq, id, err)
	}
	return eventsource.EventEnvelope{
		AggregateID:   id,
		Sequence:      uint64(seq),
		Event:         ev,
		Timestamp:     ts,
		CorrelationID: correlation,
		CausationID:   causation,
	}, nil
}

func (s *Store) CurrentVersion(ctx context.Context, id domain.AgentID) (uint64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM agent_events WHERE aggregate_id = ?`, id.String(),
	).Scan(&version)
	if err != nil {
		return 0, eventsource.StoreError("version", fmt.Errorf("sqlite: read stream version: %w", err))
	}
	return uint64(version), nil
}
