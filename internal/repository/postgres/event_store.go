package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

const (
	sqlEnsureStream = `
        INSERT INTO agent_streams (aggregate_id, version)
        VALUES ($1, 0)
        ON CONFLICT (aggregate_id) DO NOTHING`

	sqlLockStream = `SELECT version FROM agent_streams WHERE aggregate_id = $1 FOR UPDATE`

	sqlInsertEvent = `
        INSERT INTO agent_events (aggregate_id, sequence, event_type, payload, recorded_at, correlation_id, causation_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlUpdateStream = `UPDATE agent_streams SET version = $2 WHERE aggregate_id = $1`

	sqlSelectEvents = `
        SELECT sequence, event_type, payload, recorded_at, correlation_id, causation_id
        FROM agent_events
        WHERE aggregate_id = $1 AND sequence > $2
        ORDER BY sequence`

	sqlStreamVersion = `SELECT version FROM agent_streams WHERE aggregate_id = $1`
)

// pgUniqueViolation: SQLSTATE 23505.
const pgUniqueViolation = "23505"

// EventStore хранит журнал в agent_events, версия потока: в agent_streams.
// Строка agent_streams блокируется FOR UPDATE на время записи пакета.
type EventStore struct {
	db     DBPool
	logger *zap.Logger
	now    func() time.Time
}

func NewEventStore(db DBPool, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{
		db:     db,
		logger: logger.Named("pg_event_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *EventStore) AppendEvents(ctx context.Context, id domain.AgentID, events []domain.Event, expected *uint64) ([]eventsource.EventEnvelope, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := eventsource.ValidateBatch(id, events); err != nil {
		return nil, err
	}

	// Сериализуем до открытия транзакции
	payloads := make([][]byte, len(events))
	for i, e := range events {
		data, err := domain.MarshalEventData(e)
		if err != nil {
			return nil, err
		}
		payloads[i] = data
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to begin tx: %w", err))
	}
	defer s.rollback(ctx, tx)

	key := id.String()
	if _, err := tx.Exec(ctx, sqlEnsureStream, key); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to ensure stream: %w", err))
	}

	var version int64
	if err := tx.QueryRow(ctx, sqlLockStream, key).Scan(&version); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to lock stream: %w", err))
	}
	current := uint64(version)
	if expected != nil && *expected != current {
		return nil, &eventsource.ConcurrencyConflictError{Expected: *expected, Actual: current}
	}

	envs := eventsource.NewEnvelopes(ctx, id, current, events, s.now())
	for i, env := range envs {
		_, err := tx.Exec(ctx, sqlInsertEvent,
			key, int64(env.Sequence), env.Event.EventType(), payloads[i],
			env.Timestamp, env.CorrelationID, env.CausationID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return nil, &eventsource.ConcurrencyConflictError{Expected: current, Actual: env.Sequence}
			}
			return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to insert event %d: %w", env.Sequence, err))
		}
	}

	last := envs[len(envs)-1].Sequence
	if _, err := tx.Exec(ctx, sqlUpdateStream, key, int64(last)); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to bump stream version: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eventsource.StoreError("append", fmt.Errorf("postgres: failed to commit: %w", err))
	}
	return envs, nil
}

func (s *EventStore) Events(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error) {
	return s.EventsFromVersion(ctx, id, 0)
}

func (s *EventStore) EventsFromVersion(ctx context.Context, id domain.AgentID, from uint64) ([]eventsource.EventEnvelope, error) {
	if from > math.MaxInt64 {
		// int64(from) стал бы отрицательным и вернул бы весь журнал
		return []eventsource.EventEnvelope{}, nil
	}
	rows, err := s.db.Query(ctx, sqlSelectEvents, id.String(), int64(from))
	if err != nil {
		return nil, eventsource.StoreError("read", fmt.Errorf("postgres: failed to query events: %w", err))
	}
	defer rows.Close()

	out := []eventsource.EventEnvelope{}
	for rows.Next() {
		var (
			seq        int64
			eventType  string
			payload    []byte
			recordedAt time.Time
			corr, caus uuid.UUID
		)
		if err := rows.Scan(&seq, &eventType, &payload, &recordedAt, &corr, &caus); err != nil {
			return nil, eventsource.StoreError("read", fmt.Errorf("postgres: failed to scan event: %w", err))
		}
		ev, err := domain.DecodeEvent(eventType, payload)
		if err != nil {
			return nil, fmt.Errorf("event %d of %s: %w", seq, id, err)
		}
		out = append(out, eventsource.EventEnvelope{
			AggregateID:   id,
			Sequence:      uint64(seq),
			Event:         ev,
			Timestamp:     recordedAt.UTC(),
			CorrelationID: corr,
			CausationID:   caus,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventsource.StoreError("read", fmt.Errorf("postgres: rows error: %w", err))
	}
	return out, nil
}

func (s *EventStore) CurrentVersion(ctx context.Context, id domain.AgentID) (uint64, error) {
	var version int64
	err := s.db.QueryRow(ctx, sqlStreamVersion, id.String()).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eventsource.StoreError("version", fmt.Errorf("postgres: failed to read stream version: %w", err))
	}
	return uint64(version), nil
}

// rollback после Commit возвращает ErrTxClosed, это штатно.
func (s *EventStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Error("failed to rollback transaction", zap.Error(err))
	}
}
