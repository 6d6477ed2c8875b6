package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/agentledger/internal/audit"
	"github.com/xela07ax/agentledger/internal/connectors"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/risk"
)

type recorder struct {
	mu      sync.Mutex
	records []audit.CommandRecord
}

func (r *recorder) Record(rec audit.CommandRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) all() []audit.CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.CommandRecord(nil), r.records...)
}

// invokerFunc адаптирует функцию к CapabilityInvoker.
type invokerFunc func(ctx context.Context, capabilityID string, payload []byte) ([]byte, error)

func (f invokerFunc) Invoke(ctx context.Context, capabilityID string, payload []byte) ([]byte, error) {
	return f(ctx, capabilityID, payload)
}

type publisherFunc func(ctx context.Context, envs []eventsource.EventEnvelope) error

func (f publisherFunc) Publish(ctx context.Context, envs []eventsource.EventEnvelope) error {
	return f(ctx, envs)
}

// activeAgent: активный агент с одной включенной и одной выключенной capability.
func activeAgent(t *testing.T, grants ...domain.PermissionID) domain.Agent {
	t.Helper()
	id := domain.NewAgentID()
	perms := make([]domain.Permission, 0, len(grants))
	for _, g := range grants {
		perms = append(perms, domain.Permission{ID: g})
	}
	a, err := domain.Empty().ApplyEvents([]domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI, Metadata: domain.AgentMetadata{Name: "crm-bot"}},
		domain.CapabilitiesUpdated{AgentID: id, Added: []domain.Capability{
			{ID: "crm.lead.create", Name: "Create lead", Category: "crm", Enabled: true},
			{ID: "crm.lead.delete", Name: "Delete lead", Category: "crm", Enabled: false},
			{ID: "billing.refund", Name: "Refund", Category: "billing", Enabled: true, Config: map[string]json.RawMessage{
				risk.ConfigRiskField:     json.RawMessage(`"amount"`),
				risk.ConfigRiskThreshold: json.RawMessage(`100`),
			}},
		}},
		domain.PermissionsGranted{AgentID: id, Permissions: perms},
		domain.AgentActivated{AgentID: id},
	})
	require.NoError(t, err)
	return a
}

func fastConfig() infra.EngineConfig {
	return infra.EngineConfig{
		CBFailures:    5,
		CBTimeout:     time.Minute,
		RetryAttempts: 3,
		CallTimeout:   time.Second,
	}
}

func TestAuthorize(t *testing.T) {
	granted := activeAgent(t, "capabilities.crm.*")

	suspended, err := granted.Apply(domain.AgentSuspended{AgentID: granted.ID(), Reason: "maintenance"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		agent domain.Agent
		capID string
		want  error
	}{
		{"granted by prefix", granted, "crm.lead.create", nil},
		{"exact grant", activeAgent(t, "capabilities.crm.lead.create"), "crm.lead.create", nil},
		{"global grant", activeAgent(t, "*"), "crm.lead.create", nil},
		{"not operational", suspended, "crm.lead.create", ErrAgentNotOperational},
		{"unknown capability", granted, "jira.ticket.delete", ErrCapabilityUnavailable},
		{"disabled capability", granted, "crm.lead.delete", ErrCapabilityUnavailable},
		{"missing permission", activeAgent(t, "documents.read"), "crm.lead.create", ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.agent, tt.capID)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGatewayInvoke(t *testing.T) {
	traceID := uuid.NewString()
	ctx := WithTraceID(context.Background(), traceID)

	t.Run("success is audited", func(t *testing.T) {
		rec := &recorder{}
		m := NewMetrics(prometheus.NewRegistry())
		g := NewGateway(&connectors.MockConnector{}, rec, m, zaptest.NewLogger(t))
		agent := activeAgent(t, "capabilities.*")

		out, err := g.Invoke(ctx, agent, "crm.lead.create", []byte(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"created","lead_id":"L-990"}`, string(out))

		records := rec.all()
		require.Len(t, records, 1)
		assert.Equal(t, audit.StatusOK, records[0].Status)
		assert.Equal(t, traceID, records[0].TraceID)
		assert.Equal(t, "invoke:crm.lead.create", records[0].Command)
		assert.Equal(t, agent.Version(), records[0].Version)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.InvokeTotal.WithLabelValues("crm.lead.create")))
	})

	t.Run("rejection never reaches connector", func(t *testing.T) {
		rec := &recorder{}
		m := NewMetrics(prometheus.NewRegistry())
		var calls atomic.Int32
		inv := invokerFunc(func(context.Context, string, []byte) ([]byte, error) {
			calls.Add(1)
			return nil, nil
		})
		g := NewGateway(inv, rec, m, zaptest.NewLogger(t))

		_, err := g.Invoke(ctx, activeAgent(t), "crm.lead.create", nil)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Zero(t, calls.Load())

		records := rec.all()
		require.Len(t, records, 1)
		assert.Equal(t, audit.StatusRejected, records[0].Status)
		assert.NotEmpty(t, records[0].Error)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorTotal.WithLabelValues("permission_denied")))
	})

	t.Run("risk threshold blocks large payload", func(t *testing.T) {
		rec := &recorder{}
		var calls atomic.Int32
		inv := invokerFunc(func(context.Context, string, []byte) ([]byte, error) {
			calls.Add(1)
			return []byte(`{}`), nil
		})
		g := NewGateway(inv, rec, nil, nil)
		agent := activeAgent(t, "*")

		_, err := g.Invoke(ctx, agent, "billing.refund", []byte(`{"amount": 50}`))
		require.NoError(t, err)
		_, err = g.Invoke(ctx, agent, "billing.refund", []byte(`{"amount": 5000}`))
		assert.ErrorIs(t, err, risk.ErrThresholdExceeded)
		assert.Equal(t, int32(1), calls.Load())

		records := rec.all()
		require.Len(t, records, 2)
		assert.Equal(t, audit.StatusRejected, records[1].Status)
	})

	t.Run("connector failure is audited", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		inv := invokerFunc(func(context.Context, string, []byte) ([]byte, error) { return nil, boom })
		g := NewGateway(inv, rec, nil, nil)

		_, err := g.Invoke(ctx, activeAgent(t, "*"), "crm.lead.create", nil)
		assert.ErrorIs(t, err, boom)
		records := rec.all()
		require.Len(t, records, 1)
		assert.Equal(t, audit.StatusFailed, records[0].Status)
	})
}

func TestReliabilityWrapperRetriesThrottled(t *testing.T) {
	var calls atomic.Int32
	inv := invokerFunc(func(context.Context, string, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, &connectors.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("429")}
		}
		return []byte(`{"ok":true}`), nil
	})
	w := NewReliabilityWrapper(inv, fastConfig(), nil, zaptest.NewLogger(t))

	out, err := w.Invoke(context.Background(), "crm.lead.create", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestReliabilityWrapperOpensBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.CBFailures = 2
	cfg.RetryAttempts = 1
	m := NewMetrics(prometheus.NewRegistry())

	var calls atomic.Int32
	inv := invokerFunc(func(context.Context, string, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("connector down")
	})
	w := NewReliabilityWrapper(inv, cfg, m, zaptest.NewLogger(t))

	for range 2 {
		_, err := w.Invoke(context.Background(), "crm.lead.create", nil)
		require.Error(t, err)
	}
	_, err := w.Invoke(context.Background(), "crm.lead.create", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not call the connector")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("capability-connector")))
	assert.Equal(t, "circuit_open", errorType(err))
}

func TestReliabilityWrapperCallTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	cfg.CallTimeout = 10 * time.Millisecond
	inv := invokerFunc(func(ctx context.Context, _ string, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := NewReliabilityWrapper(inv, cfg, nil, nil)

	_, err := w.Invoke(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReliablePublisher(t *testing.T) {
	var calls atomic.Int32
	next := publisherFunc(func(context.Context, []eventsource.EventEnvelope) error {
		if calls.Add(1) == 1 {
			return &connectors.ThrottleError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	p := NewReliablePublisher(next, fastConfig(), nil, zaptest.NewLogger(t))

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Zero(t, calls.Load(), "empty batch is not published")

	env := eventsource.EventEnvelope{AggregateID: domain.NewAgentID(), Sequence: 1}
	require.NoError(t, p.Publish(context.Background(), []eventsource.EventEnvelope{env}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTracingMiddleware(t *testing.T) {
	var gotTrace string
	var gotMeta eventsource.Metadata
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = ExtractTraceID(r.Context())
		gotMeta = eventsource.MetadataFrom(r.Context())
	}))

	t.Run("uuid header becomes correlation id", func(t *testing.T) {
		id := uuid.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceHeader, id.String())
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, id.String(), gotTrace)
		assert.Equal(t, id, gotMeta.CorrelationID)
		assert.Equal(t, id.String(), rr.Header().Get(TraceHeader))
	})

	t.Run("free-form header is hashed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceHeader, "req-42")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "req-42", gotTrace)
		assert.Equal(t, CorrelationID("req-42"), gotMeta.CorrelationID)
	})

	t.Run("missing header is generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(gotTrace)
		assert.NoError(t, err)
		assert.Equal(t, gotTrace, rr.Header().Get(TraceHeader))
	})
}

func TestExtractTraceIDFallback(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", ExtractTraceID(context.Background()))
}
