package domain

import (
	"encoding/json"
	"fmt"
)

// Тегированное представление события: {"type": "...", "data": {...}}.
type taggedEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	EventAgentDeployed:        decodeAs[AgentDeployed],
	EventAgentActivated:       decodeAs[AgentActivated],
	EventAgentSuspended:       decodeAs[AgentSuspended],
	EventAgentWentOffline:     decodeAs[AgentWentOffline],
	EventAgentDecommissioned:  decodeAs[AgentDecommissioned],
	EventCapabilitiesUpdated:  decodeAs[CapabilitiesUpdated],
	EventPermissionsGranted:   decodeAs[PermissionsGranted],
	EventPermissionsRevoked:   decodeAs[PermissionsRevoked],
	EventToolsEnabled:         decodeAs[ToolsEnabled],
	EventToolsDisabled:        decodeAs[ToolsDisabled],
	EventConfigurationChanged: decodeAs[ConfigurationChanged],
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// EventTypes: все известные типы событий.
func EventTypes() []string {
	out := make([]string, 0, len(eventDecoders))
	for t := range eventDecoders {
		out = append(out, t)
	}
	return out
}

// MarshalEventData сериализует только тело события (без тега типа).
func MarshalEventData(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrSerialization)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrSerialization, e.EventType(), err)
	}
	return data, nil
}

// DecodeEvent восстанавливает событие по имени типа и телу.
func DecodeEvent(eventType string, data []byte) (Event, error) {
	dec, ok := eventDecoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrSerialization, ErrUnknownEvent, eventType)
	}
	e, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrSerialization, eventType, err)
	}
	return e, nil
}

// MarshalEvent кодирует событие в тегированный JSON.
func MarshalEvent(e Event) ([]byte, error) {
	data, err := MarshalEventData(e)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(taggedEvent{Type: e.EventType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

func UnmarshalEvent(data []byte) (Event, error) {
	var t taggedEvent
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return DecodeEvent(t.Type, t.Data)
}
