package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/audit"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra/auth"
)

// AgentRepository описывает требования к хранилищу агрегатов (eventsource.Repository).
type AgentRepository interface {
	Load(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
	Save(ctx context.Context, agent domain.Agent, events []domain.Event, expected *uint64) error
	History(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error)
}

// CapabilityGateway исполняет capability от имени агента (engine.Gateway).
type CapabilityGateway interface {
	Invoke(ctx context.Context, agent domain.Agent, capabilityID string, payload []byte) ([]byte, error)
}

// decideFunc по текущему состоянию решает, какие события записать.
// Пустой результат означает, что команда ничего не меняет.
type decideFunc func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error)

// AgentService: командный слой, load -> decide -> apply -> save с версией загрузки.
type AgentService struct {
	repo     AgentRepository
	gateway  CapabilityGateway
	cache    *engine.StatusCache
	recorder audit.Recorder
	metrics  *engine.Metrics
	logger   *zap.Logger
	retries  uint
	backoff  time.Duration
	now      func() time.Time
}

func NewAgentService(
	repo AgentRepository,
	gateway CapabilityGateway,
	cache *engine.StatusCache,
	recorder audit.Recorder,
	metrics *engine.Metrics,
	conflictRetries uint,
	logger *zap.Logger,
) *AgentService {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentService{
		repo:     repo,
		gateway:  gateway,
		cache:    cache,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("agent-service"),
		retries:  conflictRetries,
		backoff:  10 * time.Millisecond,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DeployCommand: параметры развертывания. Нулевой ID генерируется.
type DeployCommand struct {
	ID       domain.AgentID
	Type     domain.AgentType
	Metadata domain.AgentMetadata
}

func (s *AgentService) Deploy(ctx context.Context, cmd DeployCommand) (domain.Agent, error) {
	id := cmd.ID
	if id.IsZero() {
		id = domain.NewAgentID()
	}
	return s.execute(ctx, "deploy", id, eventsource.ExpectVersion(0), func(_ domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		return []domain.Event{domain.AgentDeployed{
			AgentID:    id,
			AgentType:  cmd.Type,
			Metadata:   cmd.Metadata,
			DeployedAt: now,
			DeployedBy: actor,
		}}, nil
	})
}

func (s *AgentService) Activate(ctx context.Context, id domain.AgentID, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "activate", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		return []domain.Event{domain.AgentActivated{AgentID: id, ActivatedAt: now, ActivatedBy: actor}}, nil
	})
}

func (s *AgentService) Suspend(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "suspend", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		return []domain.Event{domain.AgentSuspended{AgentID: id, Reason: reason, SuspendedAt: now, SuspendedBy: actor}}, nil
	})
}

func (s *AgentService) GoOffline(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "go_offline", id, expected, func(cur domain.Agent, now time.Time, _ string) ([]domain.Event, error) {
		return []domain.Event{domain.AgentWentOffline{AgentID: id, Reason: reason, OfflineAt: now}}, nil
	})
}

func (s *AgentService) Decommission(ctx context.Context, id domain.AgentID, reason string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "decommission", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		return []domain.Event{domain.AgentDecommissioned{AgentID: id, Reason: reason, DecommissionedAt: now, DecommissionedBy: actor}}, nil
	})
}

func (s *AgentService) UpdateCapabilities(ctx context.Context, id domain.AgentID, added []domain.Capability, removed []string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "update_capabilities", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		if len(added) == 0 && len(removed) == 0 {
			return nil, nil
		}
		return []domain.Event{domain.CapabilitiesUpdated{AgentID: id, Added: added, Removed: removed, UpdatedAt: now, UpdatedBy: actor}}, nil
	})
}

func (s *AgentService) GrantPermissions(ctx context.Context, id domain.AgentID, perms []domain.Permission, reason string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "grant_permissions", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		if len(perms) == 0 {
			return nil, nil
		}
		return []domain.Event{domain.PermissionsGranted{AgentID: id, Permissions: perms, GrantedAt: now, GrantedBy: actor, Reason: reason}}, nil
	})
}

func (s *AgentService) RevokePermissions(ctx context.Context, id domain.AgentID, ids []domain.PermissionID, reason string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "revoke_permissions", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		if len(ids) == 0 {
			return nil, nil
		}
		return []domain.Event{domain.PermissionsRevoked{AgentID: id, PermissionIDs: ids, RevokedAt: now, RevokedBy: actor, Reason: reason}}, nil
	})
}

func (s *AgentService) EnableTools(ctx context.Context, id domain.AgentID, tools []domain.ToolDefinition, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "enable_tools", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		if len(tools) == 0 {
			return nil, nil
		}
		return []domain.Event{domain.ToolsEnabled{AgentID: id, Tools: tools, EnabledAt: now, EnabledBy: actor}}, nil
	})
}

func (s *AgentService) DisableTools(ctx context.Context, id domain.AgentID, toolIDs []string, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "disable_tools", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		if len(toolIDs) == 0 {
			return nil, nil
		}
		return []domain.Event{domain.ToolsDisabled{AgentID: id, ToolIDs: toolIDs, DisabledAt: now, DisabledBy: actor}}, nil
	})
}

// ChangeConfiguration пишет только реально изменившиеся ключи.
// Значение null (или пустое) удаляет ключ.
func (s *AgentService) ChangeConfiguration(ctx context.Context, id domain.AgentID, values map[string]json.RawMessage, expected *uint64) (domain.Agent, error) {
	return s.execute(ctx, "change_configuration", id, expected, func(cur domain.Agent, now time.Time, actor string) ([]domain.Event, error) {
		ev := domain.ConfigurationChanged{
			AgentID:   id,
			OldValues: map[string]json.RawMessage{},
			NewValues: map[string]json.RawMessage{},
			ChangedAt: now,
			ChangedBy: actor,
		}
		for _, key := range slices.Sorted(maps.Keys(values)) {
			v := values[key]
			old, had := cur.ConfigValue(key)
			if isDelete(v) {
				if !had {
					continue
				}
			} else {
				if had && bytes.Equal(old, domain.CanonicalJSON(v)) {
					continue
				}
				ev.NewValues[key] = v
			}
			if had {
				ev.OldValues[key] = old
			}
			ev.ChangedKeys = append(ev.ChangedKeys, key)
		}
		if len(ev.ChangedKeys) == 0 {
			return nil, nil
		}
		return []domain.Event{ev}, nil
	})
}

func isDelete(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Get возвращает текущее состояние агента.
func (s *AgentService) Get(ctx context.Context, id domain.AgentID) (domain.Agent, error) {
	agent, err := s.load(ctx, id)
	if err != nil {
		s.logger.Error("failed to fetch agent details", zap.String("id", id.String()), zap.Error(err))
		return domain.Agent{}, err
	}
	return agent, nil
}

// History: журнал агента. Пустой журнал означает, что агента нет.
func (s *AgentService) History(ctx context.Context, id domain.AgentID) ([]eventsource.EventEnvelope, error) {
	envs, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return envs, nil
}

// InvokeCapability проверяет статус по L1 кэшу до обращения к журналу.
func (s *AgentService) InvokeCapability(ctx context.Context, id domain.AgentID, capabilityID string, payload []byte) ([]byte, error) {
	if s.gateway == nil {
		return nil, errors.New("capability gateway is not configured")
	}
	if s.cache != nil {
		if status, ok := s.cache.Status(id); ok && !status.IsOperational() {
			return nil, fmt.Errorf("%w: %s is %s", engine.ErrAgentNotOperational, id, status)
		}
	}
	agent, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.gateway.Invoke(ctx, agent, capabilityID, payload)
}

func (s *AgentService) load(ctx context.Context, id domain.AgentID) (domain.Agent, error) {
	agent, err := s.repo.Load(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if agent == nil {
		return domain.Agent{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if s.cache != nil {
		s.cache.ObserveAgent(*agent)
	}
	return *agent, nil
}

// execute: общий цикл команды. expected != nil фиксирует версию (If-Match):
// конфликт возвращается клиенту без повтора. Иначе при конфликте агрегат
// перечитывается и решение принимается заново.
func (s *AgentService) execute(ctx context.Context, command string, id domain.AgentID, expected *uint64, decide decideFunc) (domain.Agent, error) {
	start := time.Now()

	// causation: своя для каждой команды, correlation приходит из запроса
	md := eventsource.MetadataFrom(ctx)
	md.CausationID = uuid.New()
	ctx = eventsource.WithMetadata(ctx, md)
	actor := auth.Actor(ctx)
	deploy := command == "deploy"

	var result domain.Agent
	attempt := func() error {
		cur := domain.Empty()
		if !deploy {
			loaded, err := s.load(ctx, id)
			if err != nil {
				return err
			}
			cur = loaded
		}
		if expected != nil && !deploy && cur.Version() != *expected {
			result = cur
			return &eventsource.ConcurrencyConflictError{Expected: *expected, Actual: cur.Version()}
		}

		events, err := decide(cur, s.now(), actor)
		if err != nil {
			return err
		}
		result = cur
		if len(events) == 0 {
			return nil
		}
		next, err := cur.ApplyEvents(events)
		if err != nil {
			return err
		}
		if err := s.repo.Save(ctx, next, events, eventsource.ExpectVersion(cur.Version())); err != nil {
			return err
		}
		result = next
		return nil
	}

	attempts := s.retries + 1
	if expected != nil {
		attempts = 1
	}
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, eventsource.ErrConcurrencyConflict)
		}),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return time.Duration(n+1) * s.backoff
		}),
	).Do(attempt)

	if err == nil && s.cache != nil {
		s.cache.ObserveAgent(result)
	}
	s.audit(ctx, command, id, expected, result.Version(), start, err)
	if err != nil {
		return domain.Agent{}, err
	}
	return result, nil
}

func (s *AgentService) audit(ctx context.Context, command string, id domain.AgentID, expected *uint64, version uint64, start time.Time, err error) {
	status := outcome(err)
	s.metrics.CommandTotal.WithLabelValues(command, status).Inc()

	rec := audit.CommandRecord{
		TraceID:         engine.ExtractTraceID(ctx),
		AgentID:         id.String(),
		Command:         command,
		ExpectedVersion: expected,
		Version:         version,
		Status:          status,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		s.logger.Warn("agent command failed",
			zap.String("trace_id", rec.TraceID),
			zap.String("agent_id", rec.AgentID),
			zap.String("command", command),
			zap.String("status", status),
			zap.Error(err))
	} else {
		s.logger.Debug("agent command applied",
			zap.String("agent_id", rec.AgentID),
			zap.String("command", command),
			zap.Uint64("version", version))
	}
	if s.recorder != nil {
		s.recorder.Record(rec)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return audit.StatusOK
	case errors.Is(err, eventsource.ErrCorruptedStream):
		// битый журнал оборачивает ошибку домена, но клиент тут ни при чем
		return audit.StatusFailed
	case errors.Is(err, eventsource.ErrConcurrencyConflict):
		return audit.StatusConflict
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrAggregateMismatch),
		errors.Is(err, domain.ErrNotFound):
		return audit.StatusRejected
	}
	return audit.StatusFailed
}
