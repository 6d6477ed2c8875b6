package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/agentledger/internal/connectors"
	"github.com/xela07ax/agentledger/internal/console/handler"
	"github.com/xela07ax/agentledger/internal/console/service"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra/auth"
)

func newTestServer(t *testing.T, validator auth.TokenValidator) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	repo := eventsource.NewRepository(
		eventsource.NewMemoryEventStore(),
		eventsource.NewMemorySnapshotStore(),
		eventsource.RepositoryConfig{SnapshotFrequency: 2, Metrics: eventsource.NewMetrics(reg)},
		logger,
	)
	metrics := engine.NewMetrics(reg)
	gw := engine.NewGateway(&connectors.MockConnector{}, nil, metrics, logger)
	svc := service.NewAgentService(repo, gw, engine.NewStatusCache(nil, repo, metrics, logger), nil, metrics, 3, logger)

	srv := httptest.NewServer(NewConsoleServer(logger, validator, reg, handler.NewAgentHandler(svc, logger)))
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c client) do(method, path, body string, headers ...string) (*http.Response, []byte) {
	c.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	require.NoError(c.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	c := client{t: t, base: srv.URL}

	resp, body := c.do(http.MethodPost, "/v1/agents", `{"type":"ai","metadata":{"name":"support-bot","tags":["b","a","b"]}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	loc := resp.Header.Get("Location")
	require.NotEmpty(t, loc)

	var state domain.AgentState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, domain.StatusDeployed, state.Status)
	assert.Equal(t, []string{"a", "b"}, state.Metadata.Tags)

	resp, body = c.do(http.MethodPost, loc+"/activate", "", "If-Match", `"1"`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, `"2"`, resp.Header.Get("ETag"))

	// устаревший If-Match
	resp, body = c.do(http.MethodPost, loc+"/suspend", `{"reason":"maintenance"}`, "If-Match", `"1"`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp struct {
		Code     string `json:"code"`
		Expected uint64 `json:"expected_version"`
		Actual   uint64 `json:"actual_version"`
	}
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "concurrency_conflict", errResp.Code)
	assert.Equal(t, uint64(1), errResp.Expected)
	assert.Equal(t, uint64(2), errResp.Actual)

	resp, _ = c.do(http.MethodPost, loc+"/suspend", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, loc+"/offline", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "suspended agent cannot go offline")
	assert.Contains(t, string(body), "invalid_state_transition")

	resp, body = c.do(http.MethodPatch, loc+"/configuration", `{"values":{"temperature":0.2}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, `"4"`, resp.Header.Get("ETag"))

	resp, body = c.do(http.MethodGet, loc+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var envs []eventsource.EventEnvelope
	require.NoError(t, json.Unmarshal(body, &envs))
	require.Len(t, envs, 4)
	assert.Equal(t, domain.EventConfigurationChanged, envs[3].Event.EventType())

	resp, _ = c.do(http.MethodGet, loc, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"4"`, resp.Header.Get("ETag"))
}

func TestInvokeOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	c := client{t: t, base: srv.URL}

	resp, body := c.do(http.MethodPost, "/v1/agents", `{"type":"integration","metadata":{"name":"crm"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	loc := resp.Header.Get("Location")

	resp, _ = c.do(http.MethodPost, loc+"/capabilities", `{"added":[{"id":"crm.lead.create","name":"Create lead","category":"crm","enabled":true}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, loc+"/capabilities/crm.lead.create/invoke", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "agent_not_operational")

	resp, _ = c.do(http.MethodPost, loc+"/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, loc+"/capabilities/crm.lead.create/invoke", `{}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, string(body))

	resp, _ = c.do(http.MethodPost, loc+"/permissions", `{"permissions":[{"id":"capabilities.*"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodPost, loc+"/capabilities/crm.lead.create/invoke", `{"name":"ACME"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"created","lead_id":"L-990"}`, string(body))

	resp, _ = c.do(http.MethodPost, loc+"/capabilities/crm.lead.create/invoke", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	c := client{t: t, base: srv.URL}

	resp, _ := c.do(http.MethodGet, "/v1/agents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/agents/"+domain.NewAgentID().String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/v1/agents", `{"type":"robot"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/v1/agents/"+domain.NewAgentID().String()+"/activate", "", "If-Match", "latest")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthMetricsAndTrace(t *testing.T) {
	srv := newTestServer(t, nil)
	c := client{t: t, base: srv.URL}

	resp, _ := c.do(http.MethodGet, "/health", "", engine.TraceHeader, "trace-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-1", resp.Header.Get(engine.TraceHeader))

	c.do(http.MethodPost, "/v1/agents", `{"type":"ai","metadata":{"name":"m"}}`)
	resp, body := c.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agentledger_commands_total")
}

func TestScopesWhenAuthEnabled(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := auth.NewIssuer(key, "agentledger")
	srv := newTestServer(t, auth.NewBaseValidator(&key.PublicKey, "agentledger"))

	anon := client{t: t, base: srv.URL}
	resp, _ := anon.do(http.MethodPost, "/v1/agents", `{"type":"ai"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = anon.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")

	readOnly, err := issuer.Issue("viewer", []string{auth.ScopeAgentsRead}, time.Hour)
	require.NoError(t, err)
	resp, _ = client{t: t, base: srv.URL, token: readOnly}.do(http.MethodPost, "/v1/agents", `{"type":"ai"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin, err := issuer.Issue("ops", []string{auth.ScopeAdmin}, time.Hour)
	require.NoError(t, err)
	ops := client{t: t, base: srv.URL, token: admin}
	resp, body := ops.do(http.MethodPost, "/v1/agents", `{"type":"ai","metadata":{"name":"x"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = ops.do(http.MethodGet, resp.Header.Get("Location")+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var envs []eventsource.EventEnvelope
	require.NoError(t, json.Unmarshal(body, &envs))
	deployed, ok := envs[0].Event.(domain.AgentDeployed)
	require.True(t, ok)
	assert.Equal(t, "ops", deployed.DeployedBy)
}
