package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentID: неизменяемый идентификатор агента (UUID).
type AgentID struct {
	uuid.UUID
}

func NewAgentID() AgentID { return AgentID{uuid.New()} }

func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return AgentID{}, fmt.Errorf("invalid agent id %q: %w", s, err)
	}
	return AgentID{u}, nil
}

// MustParseAgentID для тестов и констант.
func MustParseAgentID(s string) AgentID {
	id, err := ParseAgentID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id AgentID) IsZero() bool { return id.UUID == uuid.Nil }

// AgentType фиксируется при развертывании и больше не меняется.
type AgentType string

const (
	AgentTypeSystem      AgentType = "SYSTEM"
	AgentTypeAI          AgentType = "AI"
	AgentTypeExternal    AgentType = "EXTERNAL"
	AgentTypeIntegration AgentType = "INTEGRATION"
)

func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeSystem, AgentTypeAI, AgentTypeExternal, AgentTypeIntegration:
		return true
	}
	return false
}

func (t AgentType) Description() string {
	switch t {
	case AgentTypeSystem:
		return "internal system agent"
	case AgentTypeAI:
		return "agent backed by an AI provider"
	case AgentTypeExternal:
		return "agent operated by an external party"
	case AgentTypeIntegration:
		return "integration bridge to a third-party system"
	}
	return "unknown"
}

// AgentMetadata: описательная информация, задается при развертывании.
type AgentMetadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Tags        []string  `json:"tags"`
}

// normalized: теги как множество (без дублей, отсортированы).
func (m AgentMetadata) normalized() AgentMetadata {
	tags := slices.Clone(m.Tags)
	slices.Sort(tags)
	m.Tags = slices.Compact(tags)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return m
}

func (m AgentMetadata) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Capability добавляется и удаляется только целиком.
type Capability struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Category    string                     `json:"category"`
	Description string                     `json:"description,omitempty"`
	Enabled     bool                       `json:"enabled"`
	Config      map[string]json.RawMessage `json:"config,omitempty"`
	UsageCount  uint64                     `json:"usage_count"`
	LastUsed    *time.Time                 `json:"last_used,omitempty"`
}

func (c Capability) clone() Capability {
	c.Config = cloneRaw(c.Config)
	if c.LastUsed != nil {
		t := *c.LastUsed
		c.LastUsed = &t
	}
	return c
}

type PermissionID string

// Matches: точное совпадение, префикс "graph.*" или глобальный "*".
func (p PermissionID) Matches(required string) bool {
	s := string(p)
	switch {
	case s == required, s == "*":
		return true
	case strings.HasSuffix(s, ".*"):
		return strings.HasPrefix(required, strings.TrimSuffix(s, "*"))
	}
	return false
}

type Permission struct {
	ID          PermissionID `json:"id"`
	Description string       `json:"description,omitempty"`
	Scope       string       `json:"scope,omitempty"`
}

type ParameterDefinition struct {
	Name        string          `json:"name"`
	TypeHint    string          `json:"type_hint"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default,omitempty"`
	Description string          `json:"description,omitempty"`
}

type ToolDefinition struct {
	ID          string                         `json:"id"`
	Name        string                         `json:"name"`
	Version     string                         `json:"version,omitempty"`
	Description string                         `json:"description,omitempty"`
	Parameters  map[string]ParameterDefinition `json:"parameters,omitempty"`
	Enabled     bool                           `json:"enabled"`
	Metadata    map[string]string              `json:"metadata,omitempty"`
}

func (t ToolDefinition) clone() ToolDefinition {
	if t.Parameters != nil {
		params := make(map[string]ParameterDefinition, len(t.Parameters))
		for k, p := range t.Parameters {
			p.Default = CanonicalJSON(p.Default)
			params[k] = p
		}
		t.Parameters = params
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = CanonicalJSON(v)
	}
	return out
}

// CanonicalJSON приводит значение к одному виду: без пробелов, ключи объектов
// отсортированы, числа сохраняют исходную запись. Хранилища (JSONB) могут
// переформатировать payload, а состояние после replay должно совпадать байт в байт.
// Невалидный JSON возвращается копией как есть.
func CanonicalJSON(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return slices.Clone(v)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return slices.Clone(v)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
