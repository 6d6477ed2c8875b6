package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
)

// Notification: сообщение в канале infra.RedisChanAgentEvents.
type Notification struct {
	Subject  string                    `json:"subject"`
	Envelope eventsource.EventEnvelope `json:"envelope"`
}

// Publisher рассылает записанные события подписчикам (кэш статусов и т.п.).
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb, channel: infra.RedisChanAgentEvents}
}

// Publish отправляет пакет одним pipeline, по сообщению на событие.
func (p *Publisher) Publish(ctx context.Context, envelopes []eventsource.EventEnvelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	msgs := make([][]byte, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := json.Marshal(Notification{
			Subject:  infra.EventSubject(env.AggregateID.String(), env.Event.EventType()),
			Envelope: env,
		})
		if err != nil {
			return fmt.Errorf("redis: encode notification: %w", err)
		}
		msgs = append(msgs, data)
	}

	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			pipe.Publish(ctx, p.channel, m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish to %s: %w", p.channel, err)
	}
	return nil
}

// DecodeNotification разбирает payload сообщения Pub/Sub.
func DecodeNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}
