package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/console/service"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

const maxBodyBytes = 1 << 20

// AgentService Описываем, что нам нужно от сервиса
type AgentService interface {
	Deploy(ctx context.Context, cmd service.DeployCommand) (domain.Agent, error)
	Activate(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error)
	Suspend(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error)
	GoOffline(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error)
	Decommission(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error)
	UpdateCapabilities(ctx context.Context, id domain.AgentID, added []domain.Capability, removed []string, expected *uint64) (domain.Agent, error)
	GrantPermissions(ctx context.Context, id domain.AgentID, perms []domain.Permission, reason string, expected *uint64) (domain.Agent, error)
	RevokePermissions(ctx context.Context, id domain.AgentID, ids []domain.PermissionID, reason string, expected *uint64) (domain.Agent, error)
	EnableTools(ctx context.Context, id domain.AgentID, tools []domain.ToolDefinition, expected *uint64) (domain.Agent, error)
	DisableTools(ctx context.Context, id domain.AgentID, toolIDs []string, expected *uint64) (domain.Agent, error)
	ChangeConfiguration(ctx context.Context, id domain.AgentID, values map[string]json.RawMessage, expected *uint64) (domain.Agent, error)
	Get(ctx context.Context, id domain.AgentID) (domain.Agent, error)
	History(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error)
	InvokeCapability(ctx context.Context, id domain.AgentID, capabilityID string, payload []byte) ([]byte, error)
}

type AgentHandler struct {
	service AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s AgentService, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

type DeployRequest struct {
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type"`
	Metadata domain.AgentMetadata `json:"metadata"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CapabilitiesRequest struct {
	Added   []domain.Capability `json:"added"`
	Removed []string            `json:"removed"`
}

type GrantRequest struct {
	Permissions []domain.Permission `json:"permissions"`
	Reason      string              `json:"reason"`
}

type RevokeRequest struct {
	PermissionIDs []domain.PermissionID `json:"permission_ids"`
	Reason        string                `json:"reason"`
}

type ToolsRequest struct {
	Tools []domain.ToolDefinition `json:"tools"`
}

type DisableToolsRequest struct {
	ToolIDs []string `json:"tool_ids"`
}

type ConfigurationRequest struct {
	Values map[string]json.RawMessage `json:"values"`
}

// Deploy POST /v1/agents
func (h *AgentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !decode(w, r, &req) {
		return
	}
	agentType, err := domain.ParseAgentType(req.Type)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	cmd := service.DeployCommand{Type: agentType, Metadata: req.Metadata}
	if req.ID != "" {
		if cmd.ID, err = domain.ParseAgentID(req.ID); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	agent, err := h.service.Deploy(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/agents/"+agent.ID().String())
	writeAgent(w, http.StatusCreated, agent)
}

// Get GET /v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	agent, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeAgent(w, http.StatusOK, agent)
}

// Events GET /v1/agents/{id}/events
func (h *AgentHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	envs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (h *AgentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, nil, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.Activate(ctx, id, expected)
	})
}

func (h *AgentHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.Suspend(ctx, id, req.Reason, expected)
	})
}

func (h *AgentHandler) GoOffline(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.GoOffline(ctx, id, req.Reason, expected)
	})
}

func (h *AgentHandler) Decommission(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.Decommission(ctx, id, req.Reason, expected)
	})
}

func (h *AgentHandler) UpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	var req CapabilitiesRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.UpdateCapabilities(ctx, id, req.Added, req.Removed, expected)
	})
}

func (h *AgentHandler) GrantPermissions(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.GrantPermissions(ctx, id, req.Permissions, req.Reason, expected)
	})
}

func (h *AgentHandler) RevokePermissions(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.RevokePermissions(ctx, id, req.PermissionIDs, req.Reason, expected)
	})
}

func (h *AgentHandler) EnableTools(w http.ResponseWriter, r *http.Request) {
	var req ToolsRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.EnableTools(ctx, id, req.Tools, expected)
	})
}

func (h *AgentHandler) DisableTools(w http.ResponseWriter, r *http.Request) {
	var req DisableToolsRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.DisableTools(ctx, id, req.ToolIDs, expected)
	})
}

func (h *AgentHandler) ChangeConfiguration(w http.ResponseWriter, r *http.Request) {
	var req ConfigurationRequest
	h.command(w, r, &req, func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
		return h.service.ChangeConfiguration(ctx, id, req.Values, expected)
	})
}

// Invoke POST /v1/agents/{id}/capabilities/{capID}/invoke. Тело передается коннектору как есть.
func (h *AgentHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	capID := chi.URLParam(r, "capID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "failed to read body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		badRequest(w, "payload must be JSON")
		return
	}

	resp, err := h.service.InvokeCapability(r.Context(), id, capID, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

type commandFunc func(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error)

// command: общий разбор. id из пути, If-Match, тело, если есть, и ответ с ETag.
func (h *AgentHandler) command(w http.ResponseWriter, r *http.Request, body any, run commandFunc) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	expected, err := ParseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if body != nil && r.ContentLength != 0 && !decode(w, r, body) {
		return
	}

	agent, err := run(r.Context(), id, expected)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeAgent(w, http.StatusOK, agent)
}

func (h *AgentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code, _ := statusFor(err); code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err)
}

// ParseIfMatch читает ожидаемую версию из If-Match: "5", W/"5" или 5. Пусто: без проверки.
func ParseIfMatch(v string) (*uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return nil, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid If-Match %q: expected aggregate version", v)
	}
	return eventsource.ExpectVersion(n), nil
}

// ETag: версия агрегата.
func ETag(version uint64) string {
	return `"` + strconv.FormatUint(version, 10) + `"`
}

func writeAgent(w http.ResponseWriter, code int, agent domain.Agent) {
	w.Header().Set("ETag", ETag(agent.Version()))
	writeJSON(w, code, agent)
}

func agentID(w http.ResponseWriter, r *http.Request) (domain.AgentID, bool) {
	id, err := domain.ParseAgentID(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err.Error())
		return domain.AgentID{}, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}
