package eventsource_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

type fixture struct {
	events    *eventsource.MemoryEventStore
	snapshots *eventsource.MemorySnapshotStore
	metrics   *eventsource.Metrics
	repo      *eventsource.Repository
}

func newFixture(t *testing.T, cfg eventsource.RepositoryConfig) *fixture {
	t.Helper()
	f := &fixture{
		events:    eventsource.NewMemoryEventStore(),
		snapshots: eventsource.NewMemorySnapshotStore(),
		metrics:   eventsource.NewMetrics(prometheus.NewRegistry()),
	}
	cfg.Metrics = f.metrics
	f.repo = eventsource.NewRepository(f.events, f.snapshots, cfg, zaptest.NewLogger(t))
	return f
}

// exec повторяет цикл команды: load -> apply -> save с версией загрузки.
func exec(ctx context.Context, t *testing.T, repo *eventsource.Repository, id domain.AgentID, e domain.Event) (domain.Agent, error) {
	t.Helper()
	loaded, err := repo.Load(ctx, id)
	require.NoError(t, err)
	cur := domain.Empty()
	if loaded != nil {
		cur = *loaded
	}
	next, err := cur.Apply(e)
	if err != nil {
		return cur, err
	}
	return next, repo.Save(ctx, next, []domain.Event{e}, eventsource.ExpectVersion(cur.Version()))
}

func TestLifecycleScenario(t *testing.T) {
	cases := []struct {
		frequency uint64
		snapshots []uint64
	}{
		{frequency: 1, snapshots: []uint64{3, 4, 5}},
		{frequency: 2, snapshots: []uint64{2, 4}},
		{frequency: 10, snapshots: []uint64{}},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("frequency=%d", tc.frequency), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: tc.frequency})
			id := domain.NewAgentID()

			steps := []domain.Event{
				domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI, Metadata: domain.AgentMetadata{Name: "a"}},
				domain.AgentActivated{AgentID: id},
				domain.AgentSuspended{AgentID: id, Reason: "maintenance"},
				domain.AgentActivated{AgentID: id},
				domain.AgentDecommissioned{AgentID: id, Reason: "retired"},
			}
			for _, e := range steps {
				_, err := exec(ctx, t, f.repo, id, e)
				require.NoError(t, err, e.EventType())
			}

			_, err := exec(ctx, t, f.repo, id, domain.AgentActivated{AgentID: id})
			require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

			got, err := f.repo.Load(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, domain.StatusDecommissioned, got.Status())
			assert.Equal(t, uint64(5), got.Version())

			v, err := f.repo.Version(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), v)

			assert.Equal(t, tc.snapshots, f.snapshots.Versions(id))
		})
	}
}

func TestLoadMissing(t *testing.T) {
	f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: 2})
	id := domain.NewAgentID()

	got, err := f.repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := f.repo.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotEquivalence(t *testing.T) {
	ctx := context.Background()
	for _, freq := range []uint64{0, 1, 3, 7} {
		t.Run(fmt.Sprintf("frequency=%d", freq), func(t *testing.T) {
			f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: freq})
			id := domain.NewAgentID()

			_, err := exec(ctx, t, f.repo, id, domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeSystem})
			require.NoError(t, err)
			for i := range 20 {
				var e domain.Event
				switch i % 4 {
				case 0:
					e = domain.AgentActivated{AgentID: id}
				case 1:
					e = domain.PermissionsGranted{AgentID: id, Permissions: []domain.Permission{{ID: domain.PermissionID(fmt.Sprintf("p%d", i))}}}
				case 2:
					e = domain.ToolsEnabled{AgentID: id, Tools: []domain.ToolDefinition{{ID: fmt.Sprintf("t%d", i)}}}
				case 3:
					e = domain.AgentWentOffline{AgentID: id, Reason: "heartbeat"}
				}
				_, err := exec(ctx, t, f.repo, id, e)
				require.NoError(t, err)
			}

			loaded, err := f.repo.Load(ctx, id)
			require.NoError(t, err)
			replayed, err := f.repo.Replay(ctx, id)
			require.NoError(t, err)
			if diff := cmp.Diff(replayed.State(), loaded.State()); diff != "" {
				t.Fatalf("snapshot load differs from replay (-replay +load):\n%s", diff)
			}
			assert.Equal(t, uint64(21), loaded.Version())
		})
	}
}

func TestBatchCrossingBoundaryWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: 3})
	id := domain.NewAgentID()

	events := []domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI},
		domain.AgentActivated{AgentID: id},
		domain.AgentSuspended{AgentID: id},
		domain.AgentActivated{AgentID: id},
		domain.AgentWentOffline{AgentID: id},
	}
	agent, err := domain.Empty().ApplyEvents(events)
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(ctx, agent, events, eventsource.ExpectVersion(0)))

	// пакет 1..5 пересек границу 3: снапшот на версии пакета
	assert.Equal(t, []uint64{5}, f.snapshots.Versions(id))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SnapshotsWritten))
}

func TestConcurrentSaveExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: 5})
	id := domain.NewAgentID()

	base, err := exec(ctx, t, f.repo, id, domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI})
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := domain.PermissionsGranted{AgentID: id, Permissions: []domain.Permission{{ID: domain.PermissionID(fmt.Sprintf("w%d", i))}}}
			next, err := base.Apply(e)
			if err == nil {
				err = f.repo.Save(ctx, next, []domain.Event{e}, eventsource.ExpectVersion(base.Version()))
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, writers-1)
	for _, err := range errs {
		require.ErrorIs(t, err, eventsource.ErrConcurrencyConflict)
		var conflict *eventsource.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, uint64(1), conflict.Expected)
		assert.Equal(t, uint64(2), conflict.Actual)
	}

	v, err := f.repo.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, float64(writers-1), testutil.ToFloat64(f.metrics.SaveTotal.WithLabelValues("conflict")))
}

func TestDeferredPruning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: 1, DeferPruning: true})
	id := domain.NewAgentID()

	_, err := exec(ctx, t, f.repo, id, domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI})
	require.NoError(t, err)
	for range 5 {
		_, err := exec(ctx, t, f.repo, id, domain.ToolsDisabled{AgentID: id, ToolIDs: []string{"none"}})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, f.snapshots.Versions(id))

	require.NoError(t, f.repo.PruneSnapshots(ctx, id))
	assert.Equal(t, []uint64{4, 5, 6}, f.snapshots.Versions(id))
}

// staticSnapshots отдает заранее заданный снапшот.
type staticSnapshots struct {
	snap *eventsource.Snapshot
	err  error
}

func (s *staticSnapshots) LatestSnapshot(context.Context, domain.AgentID) (*eventsource.Snapshot, error) {
	return s.snap, s.err
}
func (s *staticSnapshots) SaveSnapshot(context.Context, eventsource.Snapshot) error { return nil }
func (s *staticSnapshots) DeleteSnapshotsBefore(context.Context, domain.AgentID, uint64) error {
	return nil
}

func TestUntrustedSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	events := eventsource.NewMemoryEventStore()
	id := domain.NewAgentID()

	history := []domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeExternal},
		domain.AgentActivated{AgentID: id},
		domain.AgentSuspended{AgentID: id},
	}
	_, err := events.AppendEvents(ctx, id, history, eventsource.ExpectVersion(0))
	require.NoError(t, err)
	atTwo, err := domain.Empty().ApplyEvents(history[:2])
	require.NoError(t, err)
	other, err := domain.Empty().Apply(domain.AgentDeployed{AgentID: domain.NewAgentID(), AgentType: domain.AgentTypeAI})
	require.NoError(t, err)

	cases := map[string]struct {
		store  *staticSnapshots
		reason string
	}{
		"version mismatch": {
			store:  &staticSnapshots{snap: &eventsource.Snapshot{AggregateID: id, Version: 3, Agent: atTwo}},
			reason: "mismatch",
		},
		"foreign agent": {
			store:  &staticSnapshots{snap: &eventsource.Snapshot{AggregateID: id, Version: 1, Agent: other}},
			reason: "mismatch",
		},
		"read error": {
			store:  &staticSnapshots{err: errors.New("checksum mismatch")},
			reason: "read_error",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			metrics := eventsource.NewMetrics(prometheus.NewRegistry())
			repo := eventsource.NewRepository(events, tc.store, eventsource.RepositoryConfig{SnapshotFrequency: 2, Metrics: metrics}, zaptest.NewLogger(t))

			got, err := repo.Load(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, domain.StatusSuspended, got.Status())
			assert.Equal(t, uint64(3), got.Version())
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotsRejected.WithLabelValues(tc.reason)))
		})
	}
}

func TestSnapshotAheadOfLogFallsBack(t *testing.T) {
	ctx := context.Background()
	events := eventsource.NewMemoryEventStore()
	id := domain.NewAgentID()

	history := []domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI},
		domain.AgentActivated{AgentID: id},
		domain.AgentWentOffline{AgentID: id},
		domain.AgentActivated{AgentID: id},
	}
	future, err := domain.Empty().ApplyEvents(history)
	require.NoError(t, err)
	_, err = events.AppendEvents(ctx, id, history[:2], nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	metrics := eventsource.NewMetrics(prometheus.NewRegistry())
	repo := eventsource.NewRepository(events,
		&staticSnapshots{snap: &eventsource.Snapshot{AggregateID: id, Version: 4, Agent: future}},
		eventsource.RepositoryConfig{SnapshotFrequency: 2, Metrics: metrics}, zap.New(core))

	got, err := repo.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version())
	assert.Equal(t, domain.StatusActive, got.Status())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotsRejected.WithLabelValues("replay")))
	assert.Equal(t, 1, logs.FilterMessageSnippet("falling back to full replay").Len())
}

// gappedStore отдает журнал с дырой в нумерации.
type gappedStore struct {
	eventsource.EventStore
	envs []eventsource.EventEnvelope
}

func (s *gappedStore) Events(context.Context, domain.AgentID) ([]eventsource.EventEnvelope, error) {
	return s.envs, nil
}

func TestGapInLogIsCorruption(t *testing.T) {
	id := domain.NewAgentID()
	store := &gappedStore{envs: []eventsource.EventEnvelope{
		{AggregateID: id, Sequence: 1, Event: domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI}},
		{AggregateID: id, Sequence: 3, Event: domain.AgentActivated{AgentID: id}},
	}}
	repo := eventsource.NewRepository(store, nil, eventsource.RepositoryConfig{}, zaptest.NewLogger(t))

	_, err := repo.Load(context.Background(), id)
	require.ErrorIs(t, err, eventsource.ErrCorruptedStream)
}

func TestIllegalEventInLogIsCorruption(t *testing.T) {
	id := domain.NewAgentID()
	store := &gappedStore{envs: []eventsource.EventEnvelope{
		{AggregateID: id, Sequence: 1, Event: domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI}},
		{AggregateID: id, Sequence: 2, Event: domain.AgentSuspended{AgentID: id}},
	}}
	repo := eventsource.NewRepository(store, nil, eventsource.RepositoryConfig{}, zaptest.NewLogger(t))

	_, err := repo.Load(context.Background(), id)
	require.ErrorIs(t, err, eventsource.ErrCorruptedStream)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, []eventsource.EventEnvelope) error {
	p.calls++
	return errors.New("broker unavailable")
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	ctx := context.Background()
	pub := &failingPublisher{}
	core, logs := observer.New(zapcore.WarnLevel)
	metrics := eventsource.NewMetrics(prometheus.NewRegistry())
	repo := eventsource.NewRepository(eventsource.NewMemoryEventStore(), eventsource.NewMemorySnapshotStore(),
		eventsource.RepositoryConfig{Publisher: pub, Metrics: metrics}, zap.New(core))

	id := domain.NewAgentID()
	e := domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI}
	agent, err := domain.Empty().Apply(e)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, agent, []domain.Event{e}, eventsource.ExpectVersion(0)))
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishErrors))
	assert.Equal(t, 1, logs.FilterMessage("event notification failed").Len())

	ok, err := repo.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveEmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, eventsource.RepositoryConfig{SnapshotFrequency: 1})
	require.NoError(t, f.repo.Save(context.Background(), domain.Empty(), nil, eventsource.ExpectVersion(7)))
}

func TestLoadHonoursContext(t *testing.T) {
	f := newFixture(t, eventsource.RepositoryConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := f.repo.Load(ctx, domain.NewAgentID())
	require.ErrorIs(t, err, eventsource.ErrEventStore)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
