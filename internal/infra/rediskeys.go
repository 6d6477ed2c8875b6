package infra

import (
	"fmt"
	"strings"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentledger"
)

// Каналы Pub/Sub (уведомления о записанных событиях)
const (
	RedisChanAgentEvents = RedisNamespace + ":agents:events"
)

// RedisKeyEventStream: stream журнала одного агрегата.
func RedisKeyEventStream(aggregateID string) string {
	return fmt.Sprintf("%s:events:%s", RedisNamespace, aggregateID)
}

// RedisKeySnapshots: sorted set снапшотов агрегата (score = версия).
func RedisKeySnapshots(aggregateID string) string {
	return fmt.Sprintf("%s:snapshots:%s", RedisNamespace, aggregateID)
}

// EventSubject: адрес уведомления agent.events.{id}.{short type}, например agent.events.<id>.deployed.
func EventSubject(aggregateID, eventType string) string {
	return fmt.Sprintf("agent.events.%s.%s", aggregateID, strings.TrimPrefix(eventType, "agent."))
}
