package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

// AgentState: плоское представление агрегата для снапшотов и API.
// Коллекции всегда не nil и отсортированы, чтобы кодирование было детерминированным.
type AgentState struct {
	ID            string                     `json:"id"`
	AgentType     AgentType                  `json:"agent_type"`
	Status        AgentStatus                `json:"status"`
	Metadata      AgentMetadata              `json:"metadata"`
	Capabilities  []Capability               `json:"capabilities"`
	Permissions   []PermissionID             `json:"permissions"`
	Tools         []ToolDefinition           `json:"tools"`
	Configuration map[string]json.RawMessage `json:"configuration"`
	Version       uint64                     `json:"version"`
}

func (a Agent) State() AgentState {
	st := AgentState{
		AgentType:     a.agentType,
		Status:        a.status,
		Metadata:      a.Metadata(),
		Capabilities:  a.Capabilities(),
		Permissions:   a.Permissions(),
		Tools:         a.Tools(),
		Configuration: a.Configuration(),
		Version:       a.version,
	}
	if !a.id.IsZero() {
		st.ID = a.id.String()
	}
	if st.Metadata.Tags == nil {
		st.Metadata.Tags = []string{}
	}
	if st.Permissions == nil {
		st.Permissions = []PermissionID{}
	}
	return st
}

// RestoreAgent собирает агрегат из снапшота. Пустое состояние (версия 0) дает Empty().
func RestoreAgent(st AgentState) (Agent, error) {
	if st.Version == 0 {
		return Empty(), nil
	}
	id, err := ParseAgentID(st.ID)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if !st.Status.Valid() {
		return Agent{}, fmt.Errorf("%w: unknown status %q", ErrSerialization, st.Status)
	}
	if !st.AgentType.Valid() {
		return Agent{}, fmt.Errorf("%w: unknown agent type %q", ErrSerialization, st.AgentType)
	}

	a := Agent{
		id:            id,
		agentType:     st.AgentType,
		status:        st.Status,
		metadata:      st.Metadata.normalized(),
		capabilities:  make(map[string]Capability, len(st.Capabilities)),
		permissions:   make(map[PermissionID]struct{}, len(st.Permissions)),
		tools:         make(map[string]ToolDefinition, len(st.Tools)),
		configuration: cloneRaw(st.Configuration),
		version:       st.Version,
	}
	for _, c := range st.Capabilities {
		a.capabilities[c.ID] = c.clone()
	}
	for _, p := range st.Permissions {
		a.permissions[p] = struct{}{}
	}
	for _, t := range st.Tools {
		a.tools[t.ID] = t.clone()
	}
	if a.configuration == nil {
		a.configuration = map[string]json.RawMessage{}
	}
	return a, nil
}

// Equal сравнивает агрегаты по наблюдаемому состоянию.
func (a Agent) Equal(b Agent) bool {
	sa, sb := a.State(), b.State()
	if sa.ID != sb.ID || sa.AgentType != sb.AgentType || sa.Status != sb.Status || sa.Version != sb.Version {
		return false
	}
	ja, err := json.Marshal(sa)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(sb)
	if err != nil {
		return false
	}
	return slices.Equal(ja, jb)
}
