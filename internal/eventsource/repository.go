package eventsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/domain"
)

type RepositoryConfig struct {
	// Снапшот пишется, когда пакет достигает или пересекает кратное SnapshotFrequency.
	// 0: снапшоты не пишутся.
	SnapshotFrequency uint64
	// DeferPruning: не чистить старые снапшоты на Save, только через PruneSnapshots.
	DeferPruning bool
	Publisher    EventPublisher
	Metrics      *Metrics
}

// Repository восстанавливает и сохраняет агрегаты агентов поверх журнала и снапшотов.
// Сам никогда не повторяет запись при конфликте версий.
type Repository struct {
	events     EventStore
	snapshots  SnapshotStore
	frequency  uint64
	deferPrune bool
	publisher  EventPublisher
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewRepository(events EventStore, snapshots SnapshotStore, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Repository{
		events:     events,
		snapshots:  snapshots,
		frequency:  cfg.SnapshotFrequency,
		deferPrune: cfg.DeferPruning,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     logger.Named("repository"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) SnapshotFrequency() uint64 { return r.frequency }

// Load возвращает nil, nil если агрегата нет.
func (r *Repository) Load(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	start := time.Now()

	if base, ok := r.snapshotBase(ctx, id); ok {
		agent, n, err := r.replay(ctx, id, base)
		switch {
		case err == nil:
			r.observeLoad("snapshot", start, n)
			return &agent, nil
		case errors.Is(err, ErrCorruptedStream):
			r.metrics.SnapshotsRejected.WithLabelValues("replay").Inc()
			r.logger.Warn("snapshot does not continue the log, falling back to full replay",
				zap.String("agent_id", id.String()),
				zap.Uint64("snapshot_version", base.Version()),
				zap.Error(err))
		default:
			return nil, err
		}
	}

	agent, n, err := r.replay(ctx, id, domain.Empty())
	if err != nil {
		return nil, err
	}
	if agent.IsEmpty() {
		return nil, nil
	}
	r.observeLoad("replay", start, n)
	return &agent, nil
}

// Replay восстанавливает агрегат только из журнала, минуя снапшоты.
func (r *Repository) Replay(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	agent, _, err := r.replay(ctx, id, domain.Empty())
	if err != nil {
		return nil, err
	}
	if agent.IsEmpty() {
		return nil, nil
	}
	return &agent, nil
}

// snapshotBase возвращает состояние из последнего снапшота, если ему можно доверять.
// Снапшот только кэш, любая проблема с ним означает полный replay.
func (r *Repository) snapshotBase(ctx context.Context, id domain.AgentID) (domain.Agent, bool) {
	if r.snapshots == nil {
		return domain.Empty(), false
	}
	snap, err := r.snapshots.LatestSnapshot(ctx, id)
	if err != nil {
		r.metrics.SnapshotsRejected.WithLabelValues("read_error").Inc()
		r.logger.Warn("snapshot read failed", zap.String("agent_id", id.String()), zap.Error(err))
		return domain.Empty(), false
	}
	if snap == nil {
		return domain.Empty(), false
	}
	if snap.Version == 0 || snap.AggregateID != id || snap.Agent.ID() != id || snap.Agent.Version() != snap.Version {
		r.metrics.SnapshotsRejected.WithLabelValues("mismatch").Inc()
		r.logger.Warn("snapshot rejected",
			zap.String("agent_id", id.String()),
			zap.String("snapshot_agent_id", snap.Agent.ID().String()),
			zap.Uint64("snapshot_version", snap.Version),
			zap.Uint64("agent_version", snap.Agent.Version()))
		return domain.Empty(), false
	}
	return snap.Agent, true
}

// replay дочитывает журнал после base и применяет события по порядку.
func (r *Repository) replay(ctx context.Context, id domain.AgentID, base domain.Agent) (domain.Agent, int, error) {
	var (
		envs []EventEnvelope
		err  error
	)
	if base.IsEmpty() {
		envs, err = r.events.Events(ctx, id)
	} else {
		envs, err = r.events.EventsFromVersion(ctx, id, base.Version())
	}
	if err != nil {
		return base, 0, fmt.Errorf("load %s: %w", id, err)
	}

	if !base.IsEmpty() && len(envs) == 0 {
		// снапшот не должен опережать журнал
		current, err := r.events.CurrentVersion(ctx, id)
		if err != nil {
			return base, 0, fmt.Errorf("load %s: %w", id, err)
		}
		if current != base.Version() {
			return base, 0, fmt.Errorf("%w: %s: snapshot version %d, log version %d", ErrCorruptedStream, id, base.Version(), current)
		}
	}

	agent := base
	for _, env := range envs {
		if env.Sequence != agent.Version()+1 {
			return base, 0, fmt.Errorf("%w: %s: expected sequence %d, got %d", ErrCorruptedStream, id, agent.Version()+1, env.Sequence)
		}
		next, err := agent.Apply(env.Event)
		if err != nil {
			return base, 0, fmt.Errorf("%w: %s: event %d (%s): %w", ErrCorruptedStream, id, env.Sequence, env.Event.EventType(), err)
		}
		agent = next
	}
	return agent, len(envs), nil
}

func (r *Repository) observeLoad(source string, start time.Time, replayed int) {
	r.metrics.LoadDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	r.metrics.ReplayedEvents.Observe(float64(replayed))
}

// Save дописывает события под ожидаемой версией. agent: состояние после применения events.
// Ошибки снапшота и публикации не влияют на результат: события уже в журнале.
func (r *Repository) Save(ctx context.Context, agent domain.Agent, events []domain.Event, expected *uint64) error {
	if len(events) == 0 {
		return nil
	}
	id := agent.ID()
	if id.IsZero() {
		id = events[0].AggregateID()
	}

	envs, err := r.events.AppendEvents(ctx, id, events, expected)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.SaveTotal.WithLabelValues("conflict").Inc()
		} else {
			r.metrics.SaveTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("save %s: %w", id, err)
	}
	r.metrics.SaveTotal.WithLabelValues("ok").Inc()

	r.publish(ctx, envs)

	first, last := envs[0].Sequence, envs[len(envs)-1].Sequence
	if !r.crossesBoundary(first-1, last) {
		return nil
	}
	if agent.Version() != last {
		r.logger.Warn("agent version does not match committed log, snapshot skipped",
			zap.String("agent_id", id.String()),
			zap.Uint64("agent_version", agent.Version()),
			zap.Uint64("log_version", last))
		return nil
	}

	err = r.snapshots.SaveSnapshot(ctx, Snapshot{
		AggregateID: id,
		Version:     last,
		Agent:       agent,
		CreatedAt:   r.now(),
	})
	if err != nil {
		r.logger.Warn("snapshot write failed", zap.String("agent_id", id.String()), zap.Uint64("version", last), zap.Error(err))
		return nil
	}
	r.metrics.SnapshotsWritten.Inc()
	r.logger.Debug("snapshot written", zap.String("agent_id", id.String()), zap.Uint64("version", last))

	if !r.deferPrune {
		if err := r.prune(ctx, id, last); err != nil {
			r.logger.Warn("snapshot prune failed", zap.String("agent_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// crossesBoundary: пакет (prev, last] содержит кратное частоте снапшотов.
func (r *Repository) crossesBoundary(prev, last uint64) bool {
	if r.frequency == 0 || r.snapshots == nil {
		return false
	}
	return last/r.frequency > prev/r.frequency
}

func (r *Repository) publish(ctx context.Context, envs []EventEnvelope) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, envs); err != nil {
		r.metrics.PublishErrors.Inc()
		r.logger.Warn("event notification failed",
			zap.String("agent_id", envs[0].AggregateID.String()),
			zap.Uint64("sequence", envs[len(envs)-1].Sequence),
			zap.Error(err))
	}
}

// PruneSnapshots удаляет снапшоты старше двух поколений относительно текущей версии журнала.
func (r *Repository) PruneSnapshots(ctx context.Context, id domain.AgentID) error {
	if r.snapshots == nil || r.frequency == 0 {
		return nil
	}
	current, err := r.events.CurrentVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("prune %s: %w", id, err)
	}
	return r.prune(ctx, id, current)
}

func (r *Repository) prune(ctx context.Context, id domain.AgentID, version uint64) error {
	keep := 2 * r.frequency
	if version <= keep {
		return nil
	}
	return r.snapshots.DeleteSnapshotsBefore(ctx, id, version-keep)
}

func (r *Repository) Exists(ctx context.Context, id domain.AgentID) (bool, error) {
	v, err := r.Version(ctx, id)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

func (r *Repository) Version(ctx context.Context, id domain.AgentID) (uint64, error) {
	v, err := r.events.CurrentVersion(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("version %s: %w", id, err)
	}
	return v, nil
}

// History: полный журнал агрегата.
func (r *Repository) History(ctx context.Context, id domain.AgentID) ([]EventEnvelope, error) {
	envs, err := r.events.Events(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return envs, nil
}
