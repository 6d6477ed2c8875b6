package eventsource

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xela07ax/agentledger/internal/domain"
)

// MemoryEventStore: журнал в памяти процесса. Драйвер "memory" и тесты.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[domain.AgentID][]EventEnvelope
	now     func() time.Time
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[domain.AgentID][]EventEnvelope),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы (для детерминированных тестов).
func (s *MemoryEventStore) WithClock(now func() time.Time) *MemoryEventStore {
	s.now = now
	return s
}

func (s *MemoryEventStore) AppendEvents(ctx context.Context, id domain.AgentID, events []domain.Event, expected *uint64) ([]EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, StoreError("append", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	if err := ValidateBatch(id, events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[id]
	current := uint64(len(stream))
	if expected != nil && *expected != current {
		return nil, &ConcurrencyConflictError{Expected: *expected, Actual: current}
	}

	envs := NewEnvelopes(ctx, id, current, events, s.now())
	s.streams[id] = append(stream, envs...)
	return slices.Clone(envs), nil
}

func (s *MemoryEventStore) Events(ctx context.Context, id domain.AgentID) ([]EventEnvelope, error) {
	return s.EventsFromVersion(ctx, id, 0)
}

func (s *MemoryEventStore) EventsFromVersion(ctx context.Context, id domain.AgentID, from uint64) ([]EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, StoreError("read", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[id]
	if from >= uint64(len(stream)) {
		return []EventEnvelope{}, nil
	}
	// sequence = индекс + 1
	return slices.Clone(stream[from:]), nil
}

func (s *MemoryEventStore) CurrentVersion(ctx context.Context, id domain.AgentID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, StoreError("version", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[id])), nil
}

// MemorySnapshotStore хранит снапшоты каждого агрегата, упорядоченные по версии.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[domain.AgentID][]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[domain.AgentID][]Snapshot)}
}

func (s *MemorySnapshotStore) LatestSnapshot(ctx context.Context, id domain.AgentID) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, StoreError("snapshot read", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[id]
	if len(list) == 0 {
		return nil, nil
	}
	snap := list[len(list)-1]
	return &snap, nil
}

func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return StoreError("snapshot write", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[snap.AggregateID]
	i, found := slices.BinarySearchFunc(list, snap.Version, func(x Snapshot, v uint64) int {
		switch {
		case x.Version < v:
			return -1
		case x.Version > v:
			return 1
		}
		return 0
	})
	if found {
		list[i] = snap
	} else {
		list = slices.Insert(list, i, snap)
	}
	s.snapshots[snap.AggregateID] = list
	return nil
}

func (s *MemorySnapshotStore) DeleteSnapshotsBefore(ctx context.Context, id domain.AgentID, version uint64) error {
	if err := ctx.Err(); err != nil {
		return StoreError("snapshot delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[id] = slices.DeleteFunc(s.snapshots[id], func(x Snapshot) bool {
		return x.Version < version
	})
	return nil
}

// Versions: версии хранимых снапшотов (по возрастанию).
func (s *MemorySnapshotStore) Versions(id domain.AgentID) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.snapshots[id]))
	for _, x := range s.snapshots[id] {
		out = append(out, x.Version)
	}
	return out
}
