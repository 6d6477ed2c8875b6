package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStateTransition = errors.New("invalid agent state transition")
	ErrInvalidEvent           = errors.New("invalid agent event")
	ErrSerialization          = errors.New("serialization error")
	ErrUnknownEvent           = errors.New("unknown event type")
	ErrNotFound               = errors.New("agent not found")
)

// ErrAggregateMismatch: событие адресовано другому агенту.
var ErrAggregateMismatch = fmt.Errorf("%w: event belongs to another aggregate", ErrInvalidStateTransition)

func invalidTransition(from AgentStatus, eventType string) error {
	if from == "" {
		from = "empty"
	}
	return fmt.Errorf("%w: %s cannot handle %s", ErrInvalidStateTransition, from, eventType)
}
