// Package redisstore хранит журнал агентов в Redis Streams, снапшоты в sorted set
// и рассылает уведомления о записанных событиях через Pub/Sub.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
)

// Сколько раз повторяем WATCH-транзакцию без ожидаемой версии
const maxWatchRetries = 16

// Поля записи stream
const (
	fieldType        = "type"
	fieldPayload     = "payload"
	fieldRecordedAt  = "recorded_at"
	fieldCorrelation = "correlation_id"
	fieldCausation   = "causation_id"
)

// EventStore: один stream на агрегат, ID записи "<sequence>-0".
// Оптимистичная блокировка через WATCH на ключ stream.
type EventStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewEventStore(rdb *redis.Client) *EventStore {
	return &EventStore{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

func (s *EventStore) AppendEvents(ctx context.Context, id domain.AgentID, events []domain.Event, expected *uint64) ([]eventsource.EventEnvelope, error) {
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

	key := infra.RedisKeyEventStream(id.String())
	var envs []eventsource.EventEnvelope

	txf := func(tx *redis.Tx) error {
		current, err := streamVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if expected != nil && *expected != current {
			return &eventsource.ConcurrencyConflictError{Expected: *expected, Actual: current}
		}

		envs = eventsource.NewEnvelopes(ctx, id, current, events, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, env := range envs {
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: key,
					ID:     entryID(env.Sequence),
					Values: map[string]any{
						fieldType:        env.Event.EventType(),
						fieldPayload:     payloads[i],
						fieldRecordedAt:  env.Timestamp.Format(time.RFC3339Nano),
						fieldCorrelation: env.CorrelationID.String(),
						fieldCausation:   env.CausationID.String(),
					},
				})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return envs, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			var conflict *eventsource.ConcurrencyConflictError
			if errors.As(err, &conflict) {
				return nil, err
			}
			return nil, eventsource.StoreError("append", fmt.Errorf("redis: append to %s: %w", key, err))
		}
		// Ключ изменился между WATCH и EXEC
		if expected != nil {
			actual, verr := s.CurrentVersion(ctx, id)
			if verr != nil {
				return nil, verr
			}
			return nil, &eventsource.ConcurrencyConflictError{Expected: *expected, Actual: actual}
		}
	}
	return nil, eventsource.StoreError("append", fmt.Errorf("redis: append to %s: too much contention", key))
}

func (s *EventStore) Events(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error) {
	return s.EventsFromVersion(ctx, id, 0)
}

func (s *EventStore) EventsFromVersion(ctx context.Context, id domain.AgentID, from uint64) ([]eventsource.EventEnvelope, error) {
	if from == math.MaxUint64 {
		// from+1 переполнится и XRANGE вернет весь stream
		return []eventsource.EventEnvelope{}, nil
	}
	key := infra.RedisKeyEventStream(id.String())
	msgs, err := s.rdb.XRange(ctx, key, entryID(from+1), "+").Result()
	if err != nil {
		return nil, eventsource.StoreError("read", fmt.Errorf("redis: xrange %s: %w", key, err))
	}

	out := make([]eventsource.EventEnvelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := decodeMessage(id, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *EventStore) CurrentVersion(ctx context.Context, id domain.AgentID) (uint64, error) {
	v, err := streamVersion(ctx, s.rdb, infra.RedisKeyEventStream(id.String()))
	if err != nil {
		return 0, eventsource.StoreError("version", err)
	}
	return v, nil
}

// streamReader: общее у *redis.Client и *redis.Tx.
type streamReader interface {
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// streamVersion: sequence последней записи stream, 0 для пустого.
func streamVersion(ctx context.Context, c streamReader, key string) (uint64, error) {
	last, err := c.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: xrevrange %s: %w", key, err)
	}
	if len(last) == 0 {
		return 0, nil
	}
	return parseEntryID(last[0].ID)
}

func entryID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseEntryID(id string) (uint64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("%w: malformed stream id %q", domain.ErrSerialization, id)
	}
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed stream id %q", domain.ErrSerialization, id)
	}
	return seq, nil
}

func decodeMessage(id domain.AgentID, msg redis.XMessage) (eventsource.EventEnvelope, error) {
	seq, err := parseEntryID(msg.ID)
	if err != nil {
		return eventsource.EventEnvelope{}, err
	}
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}

	ev, err := domain.DecodeEvent(field(fieldType), []byte(field(fieldPayload)))
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("event %d of %s: %w", seq, id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, field(fieldRecordedAt))
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: %v", domain.ErrSerialization, seq, id, err)
	}
	corr, err := uuid.Parse(field(fieldCorrelation))
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: correlation id: %v", domain.ErrSerialization, seq, id, err)
	}
	caus, err := uuid.Parse(field(fieldCausation))
	if err != nil {
		return eventsource.EventEnvelope{}, fmt.Errorf("%w: event %d of %s: causation id: %v", domain.ErrSerialization, seq, id, err)
	}

	return eventsource.EventEnvelope{
		AggregateID:   id,
		Sequence:      seq,
		Event:         ev,
		Timestamp:     ts.UTC(),
		CorrelationID: corr,
		CausationID:   caus,
	}, nil
}
