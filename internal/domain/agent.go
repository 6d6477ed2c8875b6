package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Agent: агрегат агента. Неизменяемое значение: любое изменение
// возвращает новую копию через Apply. Внутри нет часов, случайности и I/O,
// поэтому повторное применение одного и того же журнала дает равные значения.
type Agent struct {
	id            AgentID
	agentType     AgentType
	status        AgentStatus
	metadata      AgentMetadata
	capabilities  map[string]Capability
	permissions   map[PermissionID]struct{}
	tools         map[string]ToolDefinition
	configuration map[string]json.RawMessage
	version       uint64
}

// Empty: заготовка для replay (версия 0). Не является валидной сущностью.
func Empty() Agent {
	return Agent{}
}

func (a Agent) ID() AgentID            { return a.id }
func (a Agent) Type() AgentType        { return a.agentType }
func (a Agent) Status() AgentStatus    { return a.status }
func (a Agent) Version() uint64        { return a.version }
func (a Agent) IsEmpty() bool          { return a.version == 0 }
func (a Agent) IsOperational() bool    { return a.status.IsOperational() }
func (a Agent) IsDecommissioned() bool { return a.status.IsTerminal() }

func (a Agent) Metadata() AgentMetadata {
	m := a.metadata
	m.Tags = slices.Clone(m.Tags)
	return m
}

func (a Agent) HasCapability(id string) bool {
	_, ok := a.capabilities[id]
	return ok
}

func (a Agent) Capability(id string) (Capability, bool) {
	c, ok := a.capabilities[id]
	if !ok {
		return Capability{}, false
	}
	return c.clone(), true
}

// Capabilities: копия, отсортирована по ID.
func (a Agent) Capabilities() []Capability {
	out := make([]Capability, 0, len(a.capabilities))
	for _, id := range slices.Sorted(maps.Keys(a.capabilities)) {
		out = append(out, a.capabilities[id].clone())
	}
	return out
}

// HasPermission учитывает wildcard-гранты ("graph.*", "*").
func (a Agent) HasPermission(required string) bool {
	if _, ok := a.permissions[PermissionID(required)]; ok {
		return true
	}
	for p := range a.permissions {
		if p.Matches(required) {
			return true
		}
	}
	return false
}

func (a Agent) Permissions() []PermissionID {
	return slices.Sorted(maps.Keys(a.permissions))
}

func (a Agent) Tool(id string) (ToolDefinition, bool) {
	t, ok := a.tools[id]
	if !ok {
		return ToolDefinition{}, false
	}
	return t.clone(), true
}

func (a Agent) Tools() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(a.tools))
	for _, id := range slices.Sorted(maps.Keys(a.tools)) {
		out = append(out, a.tools[id].clone())
	}
	return out
}

func (a Agent) ConfigValue(key string) (json.RawMessage, bool) {
	v, ok := a.configuration[key]
	return slices.Clone(v), ok
}

func (a Agent) Configuration() map[string]json.RawMessage {
	out := cloneRaw(a.configuration)
	if out == nil {
		out = map[string]json.RawMessage{}
	}
	return out
}

// Apply: единственный переход агрегата. При ошибке исходное значение не меняется.
func (a Agent) Apply(e Event) (Agent, error) {
	if e == nil {
		return a, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	if a.version == 0 {
		d, ok := e.(AgentDeployed)
		if !ok {
			return a, invalidTransition(a.status, e.EventType())
		}
		return a.deploy(d)
	}

	if e.AggregateID() != a.id {
		return a, fmt.Errorf("%w: agent %s, event %s for %s", ErrAggregateMismatch, a.id, e.EventType(), e.AggregateID())
	}
	if a.status.IsTerminal() {
		return a, invalidTransition(a.status, e.EventType())
	}

	next := a
	switch ev := e.(type) {
	case AgentDeployed:
		// id и тип устанавливаются ровно один раз
		return a, invalidTransition(a.status, ev.EventType())
	case AgentActivated:
		if !next.transition(StatusActive) {
			return a, invalidTransition(a.status, ev.EventType())
		}
	case AgentSuspended:
		if !next.transition(StatusSuspended) {
			return a, invalidTransition(a.status, ev.EventType())
		}
	case AgentWentOffline:
		if !next.transition(StatusOffline) {
			return a, invalidTransition(a.status, ev.EventType())
		}
	case AgentDecommissioned:
		if !next.transition(StatusDecommissioned) {
			return a, invalidTransition(a.status, ev.EventType())
		}
	case CapabilitiesUpdated:
		// Сначала added, потом removed: id из обоих списков удаляется
		caps := maps.Clone(a.capabilities)
		for _, c := range ev.Added {
			if c.ID == "" {
				return a, fmt.Errorf("%w: capability without id", ErrInvalidEvent)
			}
			caps[c.ID] = c.clone()
		}
		for _, id := range ev.Removed {
			delete(caps, id)
		}
		next.capabilities = caps
	case PermissionsGranted:
		perms := maps.Clone(a.permissions)
		for _, p := range ev.Permissions {
			if p.ID == "" {
				return a, fmt.Errorf("%w: permission without id", ErrInvalidEvent)
			}
			perms[p.ID] = struct{}{}
		}
		next.permissions = perms
	case PermissionsRevoked:
		perms := maps.Clone(a.permissions)
		for _, id := range ev.PermissionIDs {
			delete(perms, id)
		}
		next.permissions = perms
	case ToolsEnabled:
		tools := maps.Clone(a.tools)
		for _, t := range ev.Tools {
			if t.ID == "" {
				return a, fmt.Errorf("%w: tool without id", ErrInvalidEvent)
			}
			tools[t.ID] = t.clone()
		}
		next.tools = tools
	case ToolsDisabled:
		tools := maps.Clone(a.tools)
		for _, id := range ev.ToolIDs {
			delete(tools, id)
		}
		next.tools = tools
	case ConfigurationChanged:
		cfg := maps.Clone(a.configuration)
		for _, key := range ev.ChangedKeys {
			if v, ok := ev.NewValues[key]; ok {
				cfg[key] = CanonicalJSON(v)
			} else {
				delete(cfg, key)
			}
		}
		next.configuration = cfg
	default:
		return a, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}

	next.version++
	return next, nil
}

func (a Agent) deploy(d AgentDeployed) (Agent, error) {
	if d.AgentID.IsZero() {
		return a, fmt.Errorf("%w: deploy without agent id", ErrInvalidEvent)
	}
	if !d.AgentType.Valid() {
		return a, fmt.Errorf("%w: unknown agent type %q", ErrInvalidEvent, d.AgentType)
	}
	return Agent{
		id:            d.AgentID,
		agentType:     d.AgentType,
		status:        StatusDeployed,
		metadata:      d.Metadata.normalized(),
		capabilities:  map[string]Capability{},
		permissions:   map[PermissionID]struct{}{},
		tools:         map[string]ToolDefinition{},
		configuration: map[string]json.RawMessage{},
		version:       1,
	}, nil
}

// transition меняет статус на копии, если переход разрешен таблицей.
func (a *Agent) transition(to AgentStatus) bool {
	if !a.status.CanTransitionTo(to) {
		return false
	}
	a.status = to
	return true
}

// ApplyEvents сворачивает события по порядку. На первой ошибке возвращает
// последнее успешно полученное состояние и ошибку с индексом события.
func (a Agent) ApplyEvents(events []Event) (Agent, error) {
	cur := a
	for i, e := range events {
		next, err := cur.Apply(e)
		if err != nil {
			return cur, fmt.Errorf("event %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

func (a Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.State())
}

func (a *Agent) UnmarshalJSON(data []byte) error {
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	restored, err := RestoreAgent(st)
	if err != nil {
		return err
	}
	*a = restored
	return nil
}
