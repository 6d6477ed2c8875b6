package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/agentledger/internal/domain"
)

// EventEnvelope: событие в журнале вместе с метаданными записи.
// Sequence назначает журнал: непрерывно с 1 для каждого агрегата.
type EventEnvelope struct {
	AggregateID   domain.AgentID
	Sequence      uint64
	Event         domain.Event
	Timestamp     time.Time
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
}

type envelopeJSON struct {
	AggregateID   string          `json:"aggregate_id"`
	Sequence      uint64          `json:"sequence"`
	Event         json.RawMessage `json:"event"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   uuid.UUID       `json:"causation_id"`
}

func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	ev, err := domain.MarshalEvent(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		AggregateID:   e.AggregateID.String(),
		Sequence:      e.Sequence,
		Event:         ev,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
	})
}

func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: envelope: %v", domain.ErrSerialization, err)
	}
	id, err := domain.ParseAgentID(raw.AggregateID)
	if err != nil {
		return fmt.Errorf("%w: envelope: %v", domain.ErrSerialization, err)
	}
	ev, err := domain.UnmarshalEvent(raw.Event)
	if err != nil {
		return err
	}
	*e = EventEnvelope{
		AggregateID:   id,
		Sequence:      raw.Sequence,
		Event:         ev,
		Timestamp:     raw.Timestamp,
		CorrelationID: raw.CorrelationID,
		CausationID:   raw.CausationID,
	}
	return nil
}

// Snapshot: кэш состояния агрегата на версии Version. Всегда выводим из журнала.
type Snapshot struct {
	AggregateID domain.AgentID
	Version     uint64
	Agent       domain.Agent
	CreatedAt   time.Time
}

// EventStore: append-only журнал событий с оптимистичной блокировкой.
type EventStore interface {
	// AppendEvents атомарно дописывает пакет. expected == nil отключает проверку версии.
	// При расхождении возвращает *ConcurrencyConflictError и ничего не пишет.
	AppendEvents(ctx context.Context, id domain.AgentID, events []domain.Event, expected *uint64) ([]EventEnvelope, error)
	Events(ctx context.Context, id domain.AgentID) ([]EventEnvelope, error)
	// EventsFromVersion возвращает события с sequence строго больше from.
	EventsFromVersion(ctx context.Context, id domain.AgentID, from uint64) ([]EventEnvelope, error)
	CurrentVersion(ctx context.Context, id domain.AgentID) (uint64, error)
}

type SnapshotStore interface {
	// LatestSnapshot возвращает nil, nil если снапшотов нет.
	LatestSnapshot(ctx context.Context, id domain.AgentID) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
	// DeleteSnapshotsBefore удаляет снапшоты с версией строго меньше version.
	DeleteSnapshotsBefore(ctx context.Context, id domain.AgentID, version uint64) error
}

// EventPublisher рассылает уже записанные события. Ошибка публикации не откатывает запись.
type EventPublisher interface {
	Publish(ctx context.Context, envelopes []EventEnvelope) error
}

// ExpectVersion: удобный конструктор ожидаемой версии.
func ExpectVersion(v uint64) *uint64 { return &v }

// NewEnvelopes строит конверты для пакета, начиная с current+1.
// Используется всеми реализациями EventStore.
func NewEnvelopes(ctx context.Context, id domain.AgentID, current uint64, events []domain.Event, now time.Time) []EventEnvelope {
	md := MetadataFrom(ctx)
	out := make([]EventEnvelope, len(events))
	for i, e := range events {
		out[i] = EventEnvelope{
			AggregateID:   id,
			Sequence:      current + uint64(i) + 1,
			Event:         e,
			Timestamp:     now,
			CorrelationID: md.CorrelationID,
			CausationID:   md.CausationID,
		}
	}
	return out
}

// ValidateBatch проверяет, что все события пакета адресованы одному агрегату.
// Пустой пакет хранилища трактуют как no-op.
func ValidateBatch(id domain.AgentID, events []domain.Event) error {
	for _, e := range events {
		if e == nil {
			return fmt.Errorf("%w: nil event in batch", domain.ErrInvalidEvent)
		}
		if e.AggregateID() != id {
			return fmt.Errorf("%w: %s event for %s appended to %s", domain.ErrAggregateMismatch, e.EventType(), e.AggregateID(), id)
		}
	}
	return nil
}
