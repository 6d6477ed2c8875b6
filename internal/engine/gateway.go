package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/audit"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/risk"
)

// CapabilityInvoker исполняет capability во внешней системе.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, capabilityID string, payload []byte) ([]byte, error)
}

var (
	ErrAgentNotOperational   = errors.New("agent is not operational")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrPermissionDenied      = errors.New("permission denied")
)

// CapabilityPermission: право, без которого агент не может вызвать capability.
// Гранты "capabilities.*" и "*" покрывают все capability.
func CapabilityPermission(capabilityID string) string {
	return "capabilities." + capabilityID
}

// Authorize проверяет, может ли агент в текущем состоянии вызвать capability.
func Authorize(agent domain.Agent, capabilityID string) error {
	if !agent.IsOperational() {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotOperational, agent.ID(), agent.Status())
	}
	c, ok := agent.Capability(capabilityID)
	if !ok || !c.Enabled {
		return fmt.Errorf("%w: %s", ErrCapabilityUnavailable, capabilityID)
	}
	if perm := CapabilityPermission(capabilityID); !agent.HasPermission(perm) {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, agent.ID(), perm)
	}
	return nil
}

// Gateway: точка вызова capability от имени агента.
// Порядок: проверка агрегата, вызов через ReliabilityWrapper, аудит.
type Gateway struct {
	invoker  CapabilityInvoker
	analyzer *risk.Analyzer
	recorder audit.Recorder
	metrics  *Metrics
	logger   *zap.Logger
}

func NewGateway(invoker CapabilityInvoker, recorder audit.Recorder, metrics *Metrics, logger *zap.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		invoker:  invoker,
		analyzer: risk.NewAnalyzer(logger),
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("gateway"),
	}
}

func (g *Gateway) Invoke(ctx context.Context, agent domain.Agent, capabilityID string, payload []byte) ([]byte, error) {
	g.metrics.InvokeTotal.WithLabelValues(capabilityID).Inc()
	start := time.Now()

	// Готовим запись аудита (статус заполним в процессе)
	rec := audit.CommandRecord{
		TraceID: ExtractTraceID(ctx),
		AgentID: agent.ID().String(),
		Command: "invoke:" + capabilityID,
		Version: agent.Version(),
		Status:  audit.StatusOK,
	}

	defer func() {
		g.metrics.InvokeDuration.WithLabelValues(capabilityID, rec.Status).Observe(time.Since(start).Seconds())
	}()

	// 1. Дешевые in-memory проверки по агрегату
	if err := Authorize(agent, capabilityID); err != nil {
		rec.Status = audit.StatusRejected
		g.finish(rec, start, err)
		return nil, err
	}

	// 2. Динамический лимит из конфигурации capability
	c, _ := agent.Capability(capabilityID)
	if err := g.analyzer.Check(c, payload); err != nil {
		rec.Status = audit.StatusRejected
		g.finish(rec, start, err)
		return nil, err
	}

	// 3. Реальное выполнение (Retries/CB/Timeouts внутри invoker)
	resp, err := g.invoker.Invoke(ctx, capabilityID, payload)
	if err != nil {
		rec.Status = audit.StatusFailed
		g.finish(rec, start, err)
		g.logger.Warn("capability invocation failed",
			zap.String("trace_id", rec.TraceID),
			zap.String("agent_id", rec.AgentID),
			zap.String("capability_id", capabilityID),
			zap.Error(err))
		return nil, err
	}

	g.finish(rec, start, nil)
	return resp, nil
}

func (g *Gateway) finish(rec audit.CommandRecord, start time.Time, err error) {
	rec.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		g.metrics.ErrorTotal.WithLabelValues(errorType(err)).Inc()
	}
	if g.recorder != nil {
		g.recorder.Record(rec)
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrAgentNotOperational):
		return "not_operational"
	case errors.Is(err, ErrCapabilityUnavailable):
		return "capability_unavailable"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, risk.ErrThresholdExceeded):
		return "risk_threshold"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	}
	return "connector"
}
