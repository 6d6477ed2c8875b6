// Package eventsourcetest: общий набор проверок для реализаций EventStore и SnapshotStore.
package eventsourcetest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

var (
	At    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	Owner = uuid.MustParse("6f1c2a7e-3b4d-4e5f-8a9b-0c1d2e3f4a5b")
)

// Lifecycle: легальная цепочка deploy, activate, grant, configure, suspend.
func Lifecycle(id domain.AgentID) []domain.Event {
	return []domain.Event{
		domain.AgentDeployed{
			AgentID:    id,
			AgentType:  domain.AgentTypeAI,
			Metadata:   domain.AgentMetadata{Name: "summarizer", Version: "1.0.0", OwnerID: Owner, Tags: []string{"nlp"}},
			DeployedAt: At,
			DeployedBy: "ops",
		},
		domain.AgentActivated{AgentID: id, ActivatedAt: At.Add(time.Minute)},
		domain.PermissionsGranted{
			AgentID:     id,
			Permissions: []domain.Permission{{ID: "documents.read", Scope: "tenant"}},
			GrantedAt:   At.Add(2 * time.Minute),
		},
		domain.ConfigurationChanged{
			AgentID:     id,
			ChangedKeys: []string{"temperature"},
			NewValues:   map[string]json.RawMessage{"temperature": json.RawMessage(`0.2`)},
			ChangedAt:   At.Add(3 * time.Minute),
		},
		domain.AgentSuspended{AgentID: id, Reason: "maintenance", SuspendedAt: At.Add(4 * time.Minute)},
	}
}

// Build сворачивает события в агрегат и падает, если цепочка нелегальна.
func Build(t *testing.T, events []domain.Event) domain.Agent {
	t.Helper()
	a, err := domain.Empty().ApplyEvents(events)
	require.NoError(t, err)
	return a
}

var eventOpts = cmp.Options{cmpopts.EquateEmpty()}

// RunEventStore прогоняет контракт журнала. newStore должен возвращать пустое хранилище.
func RunEventStore(t *testing.T, newStore func(t *testing.T) eventsource.EventStore) {
	t.Run("EmptyStream", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()

		v, err := s.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, v)

		envs, err := s.Events(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("AppendAndRead", func(t *testing.T) {
		ctx := eventsource.WithMetadata(context.Background(), eventsource.Metadata{CorrelationID: uuid.New()})
		s := newStore(t)
		id := domain.NewAgentID()
		events := Lifecycle(id)

		envs, err := s.AppendEvents(ctx, id, events[:2], eventsource.ExpectVersion(0))
		require.NoError(t, err)
		require.Len(t, envs, 2)
		assert.Equal(t, uint64(1), envs[0].Sequence)
		assert.Equal(t, uint64(2), envs[1].Sequence)

		envs, err = s.AppendEvents(ctx, id, events[2:], eventsource.ExpectVersion(2))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), envs[0].Sequence)

		v, err := s.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(events)), v)

		all, err := s.Events(ctx, id)
		require.NoError(t, err)
		require.Len(t, all, len(events))
		md := eventsource.MetadataFrom(ctx)
		for i, env := range all {
			assert.Equal(t, uint64(i+1), env.Sequence)
			assert.Equal(t, id, env.AggregateID)
			assert.Equal(t, md.CorrelationID, env.CorrelationID)
			assert.Equal(t, md.CausationID, env.CausationID)
			assert.False(t, env.Timestamp.IsZero())
			if diff := cmp.Diff(events[i], env.Event, eventOpts); diff != "" {
				t.Errorf("event %d mismatch (-want +got):\n%s", i+1, diff)
			}
		}

		tail, err := s.EventsFromVersion(ctx, id, 3)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, uint64(4), tail[0].Sequence)

		none, err := s.EventsFromVersion(ctx, id, 99)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ReadPastTheEnd", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		_, err := s.AppendEvents(ctx, id, Lifecycle(id), eventsource.ExpectVersion(0))
		require.NoError(t, err)

		for _, from := range []uint64{5, 6, math.MaxInt64, math.MaxInt64 + 1, math.MaxUint64} {
			envs, err := s.EventsFromVersion(ctx, id, from)
			require.NoError(t, err)
			assert.Empty(t, envs, "from=%d", from)
		}
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		events := Lifecycle(id)

		_, err := s.AppendEvents(ctx, id, events[:2], eventsource.ExpectVersion(0))
		require.NoError(t, err)

		_, err = s.AppendEvents(ctx, id, events[2:3], eventsource.ExpectVersion(1))
		require.ErrorIs(t, err, eventsource.ErrConcurrencyConflict)
		var conflict *eventsource.ConcurrencyConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, uint64(1), conflict.Expected)
		assert.Equal(t, uint64(2), conflict.Actual)

		v, err := s.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), v, "rejected batch must leave no trace")
	})

	t.Run("UncheckedAppend", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		events := Lifecycle(id)

		_, err := s.AppendEvents(ctx, id, events[:1], nil)
		require.NoError(t, err)
		envs, err := s.AppendEvents(ctx, id, events[1:2], nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), envs[0].Sequence)
	})

	t.Run("EmptyBatchIsNoop", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()

		envs, err := s.AppendEvents(ctx, id, nil, eventsource.ExpectVersion(7))
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("ForeignEventRejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		other := Lifecycle(domain.NewAgentID())

		_, err := s.AppendEvents(ctx, id, other[:1], eventsource.ExpectVersion(0))
		require.ErrorIs(t, err, domain.ErrAggregateMismatch)

		v, err := s.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("ConcurrentAppendOneWins", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		events := Lifecycle(id)
		_, err := s.AppendEvents(ctx, id, events[:1], eventsource.ExpectVersion(0))
		require.NoError(t, err)

		const writers = 6
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendEvents(ctx, id, events[1:2], eventsource.ExpectVersion(1))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, eventsource.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
		v, err := s.CurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), v)
	})
}

// RunSnapshotStore прогоняет контракт хранилища снапшотов.
func RunSnapshotStore(t *testing.T, newStore func(t *testing.T) eventsource.SnapshotStore) {
	snapshotAt := func(t *testing.T, id domain.AgentID, n int) eventsource.Snapshot {
		t.Helper()
		a := Build(t, Lifecycle(id)[:n])
		return eventsource.Snapshot{AggregateID: id, Version: a.Version(), Agent: a, CreatedAt: At}
	}

	t.Run("NoSnapshot", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.LatestSnapshot(context.Background(), domain.NewAgentID())
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("LatestByVersion", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()

		require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(t, id, 2)))
		require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(t, id, 4)))
		require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(t, id, 3)))

		snap, err := s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, uint64(4), snap.Version)
		assert.Equal(t, id, snap.AggregateID)
		want := snapshotAt(t, id, 4).Agent
		assert.True(t, want.Equal(snap.Agent), "restored agent differs")
		assert.True(t, At.Equal(snap.CreatedAt))

		other, err := s.LatestSnapshot(ctx, domain.NewAgentID())
		require.NoError(t, err)
		assert.Nil(t, other, "snapshots are per aggregate")
	})

	t.Run("SameVersionOverwrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()

		first := snapshotAt(t, id, 2)
		require.NoError(t, s.SaveSnapshot(ctx, first))
		second := first
		second.CreatedAt = At.Add(time.Hour)
		require.NoError(t, s.SaveSnapshot(ctx, second))

		snap, err := s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.True(t, second.CreatedAt.Equal(snap.CreatedAt))
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := domain.NewAgentID()
		for _, n := range []int{1, 2, 3} {
			require.NoError(t, s.SaveSnapshot(ctx, snapshotAt(t, id, n)))
		}

		require.NoError(t, s.DeleteSnapshotsBefore(ctx, id, 3))
		snap, err := s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, uint64(3), snap.Version, "boundary version is kept")

		require.NoError(t, s.DeleteSnapshotsBefore(ctx, id, 4))
		snap, err = s.LatestSnapshot(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, s.DeleteSnapshotsBefore(ctx, domain.NewAgentID(), 10), "unknown aggregate is fine")
	})
}
