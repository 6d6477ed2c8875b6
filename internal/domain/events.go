package domain

import (
	"encoding/json"
	"time"
)

// Имена типов событий. Используются в журнале, в снапшотах и в subject'ах уведомлений.
const (
	EventAgentDeployed        = "agent.deployed"
	EventAgentActivated       = "agent.activated"
	EventAgentSuspended       = "agent.suspended"
	EventAgentWentOffline     = "agent.went_offline"
	EventAgentDecommissioned  = "agent.decommissioned"
	EventCapabilitiesUpdated  = "agent.capabilities_updated"
	EventPermissionsGranted   = "agent.permissions_granted"
	EventPermissionsRevoked   = "agent.permissions_revoked"
	EventToolsEnabled         = "agent.tools_enabled"
	EventToolsDisabled        = "agent.tools_disabled"
	EventConfigurationChanged = "agent.configuration_changed"
)

// Event: закрытое множество фактов о жизни агента.
// Реализуется только типами этого пакета.
type Event interface {
	EventType() string
	AggregateID() AgentID
	OccurredAt() time.Time
	isAgentEvent()
}

type AgentDeployed struct {
	AgentID    AgentID       `json:"agent_id"`
	AgentType  AgentType     `json:"agent_type"`
	Metadata   AgentMetadata `json:"metadata"`
	DeployedAt time.Time     `json:"deployed_at"`
	DeployedBy string        `json:"deployed_by,omitempty"`
}

type AgentActivated struct {
	AgentID     AgentID   `json:"agent_id"`
	ActivatedAt time.Time `json:"activated_at"`
	ActivatedBy string    `json:"activated_by,omitempty"`
}

type AgentSuspended struct {
	AgentID     AgentID   `json:"agent_id"`
	Reason      string    `json:"reason"`
	SuspendedAt time.Time `json:"suspended_at"`
	SuspendedBy string    `json:"suspended_by,omitempty"`
}

type AgentWentOffline struct {
	AgentID   AgentID   `json:"agent_id"`
	Reason    string    `json:"reason,omitempty"`
	OfflineAt time.Time `json:"offline_at"`
}

type AgentDecommissioned struct {
	AgentID          AgentID   `json:"agent_id"`
	Reason           string    `json:"reason,omitempty"`
	DecommissionedAt time.Time `json:"decommissioned_at"`
	DecommissionedBy string    `json:"decommissioned_by,omitempty"`
}

type CapabilitiesUpdated struct {
	AgentID   AgentID      `json:"agent_id"`
	Added     []Capability `json:"added_capabilities"`
	Removed   []string     `json:"removed_capabilities"`
	UpdatedAt time.Time    `json:"updated_at"`
	UpdatedBy string       `json:"updated_by,omitempty"`
}

type PermissionsGranted struct {
	AgentID     AgentID      `json:"agent_id"`
	Permissions []Permission `json:"permissions"`
	GrantedAt   time.Time    `json:"granted_at"`
	GrantedBy   string       `json:"granted_by,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

type PermissionsRevoked struct {
	AgentID       AgentID        `json:"agent_id"`
	PermissionIDs []PermissionID `json:"permission_ids"`
	RevokedAt     time.Time      `json:"revoked_at"`
	RevokedBy     string         `json:"revoked_by,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

type ToolsEnabled struct {
	AgentID   AgentID          `json:"agent_id"`
	Tools     []ToolDefinition `json:"tools"`
	EnabledAt time.Time        `json:"enabled_at"`
	EnabledBy string           `json:"enabled_by,omitempty"`
}

type ToolsDisabled struct {
	AgentID    AgentID   `json:"agent_id"`
	ToolIDs    []string  `json:"tool_ids"`
	DisabledAt time.Time `json:"disabled_at"`
	DisabledBy string    `json:"disabled_by,omitempty"`
}

// ConfigurationChanged: ключ из ChangedKeys без значения в NewValues удаляется.
type ConfigurationChanged struct {
	AgentID     AgentID                    `json:"agent_id"`
	ChangedKeys []string                   `json:"changed_keys"`
	OldValues   map[string]json.RawMessage `json:"old_values"`
	NewValues   map[string]json.RawMessage `json:"new_values"`
	ChangedAt   time.Time                  `json:"changed_at"`
	ChangedBy   string                     `json:"changed_by,omitempty"`
}

func (AgentDeployed) EventType() string        { return EventAgentDeployed }
func (AgentActivated) EventType() string       { return EventAgentActivated }
func (AgentSuspended) EventType() string       { return EventAgentSuspended }
func (AgentWentOffline) EventType() string     { return EventAgentWentOffline }
func (AgentDecommissioned) EventType() string  { return EventAgentDecommissioned }
func (CapabilitiesUpdated) EventType() string  { return EventCapabilitiesUpdated }
func (PermissionsGranted) EventType() string   { return EventPermissionsGranted }
func (PermissionsRevoked) EventType() string   { return EventPermissionsRevoked }
func (ToolsEnabled) EventType() string         { return EventToolsEnabled }
func (ToolsDisabled) EventType() string        { return EventToolsDisabled }
func (ConfigurationChanged) EventType() string { return EventConfigurationChanged }

func (e AgentDeployed) AggregateID() AgentID        { return e.AgentID }
func (e AgentActivated) AggregateID() AgentID       { return e.AgentID }
func (e AgentSuspended) AggregateID() AgentID       { return e.AgentID }
func (e AgentWentOffline) AggregateID() AgentID     { return e.AgentID }
func (e AgentDecommissioned) AggregateID() AgentID  { return e.AgentID }
func (e CapabilitiesUpdated) AggregateID() AgentID  { return e.AgentID }
func (e PermissionsGranted) AggregateID() AgentID   { return e.AgentID }
func (e PermissionsRevoked) AggregateID() AgentID   { return e.AgentID }
func (e ToolsEnabled) AggregateID() AgentID         { return e.AgentID }
func (e ToolsDisabled) AggregateID() AgentID        { return e.AgentID }
func (e ConfigurationChanged) AggregateID() AgentID { return e.AgentID }

func (e AgentDeployed) OccurredAt() time.Time        { return e.DeployedAt }
func (e AgentActivated) OccurredAt() time.Time       { return e.ActivatedAt }
func (e AgentSuspended) OccurredAt() time.Time       { return e.SuspendedAt }
func (e AgentWentOffline) OccurredAt() time.Time     { return e.OfflineAt }
func (e AgentDecommissioned) OccurredAt() time.Time  { return e.DecommissionedAt }
func (e CapabilitiesUpdated) OccurredAt() time.Time  { return e.UpdatedAt }
func (e PermissionsGranted) OccurredAt() time.Time   { return e.GrantedAt }
func (e PermissionsRevoked) OccurredAt() time.Time   { return e.RevokedAt }
func (e ToolsEnabled) OccurredAt() time.Time         { return e.EnabledAt }
func (e ToolsDisabled) OccurredAt() time.Time        { return e.DisabledAt }
func (e ConfigurationChanged) OccurredAt() time.Time { return e.ChangedAt }

func (AgentDeployed) isAgentEvent()        {}
func (AgentActivated) isAgentEvent()       {}
func (AgentSuspended) isAgentEvent()       {}
func (AgentWentOffline) isAgentEvent()     {}
func (AgentDecommissioned) isAgentEvent()  {}
func (CapabilitiesUpdated) isAgentEvent()  {}
func (PermissionsGranted) isAgentEvent()   {}
func (PermissionsRevoked) isAgentEvent()   {}
func (ToolsEnabled) isAgentEvent()         {}
func (ToolsDisabled) isAgentEvent()        {}
func (ConfigurationChanged) isAgentEvent() {}

// IsStatusEvent: событие меняет статус агента.
func IsStatusEvent(e Event) bool {
	switch e.(type) {
	case AgentDeployed, AgentActivated, AgentSuspended, AgentWentOffline, AgentDecommissioned:
		return true
	}
	return false
}
