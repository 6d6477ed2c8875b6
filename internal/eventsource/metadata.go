package eventsource

import (
	"context"

	"github.com/google/uuid"
)

type metadataKey struct{}

// Metadata: сквозные идентификаторы команды, записываются в каждый конверт.
type Metadata struct {
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
}

func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFrom достает метаданные из контекста. Пустой correlation генерируется,
// пустой causation наследует correlation.
func MetadataFrom(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	if md.CorrelationID == uuid.Nil {
		md.CorrelationID = uuid.New()
	}
	if md.CausationID == uuid.Nil {
		md.CausationID = md.CorrelationID
	}
	return md
}
