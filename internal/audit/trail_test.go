package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStopFlushesBuffer(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{BatchSize: 1000, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	trail.Start()

	for i := 0; i < 25; i++ {
		trail.Record(CommandRecord{AgentID: "a-1", Command: "activate", Status: StatusOK})
	}
	trail.Stop()

	recs := store.Records("a-1")
	require.Len(t, recs, 25)
	for _, r := range recs {
		assert.NotZero(t, r.ID, "id assigned")
		assert.False(t, r.Timestamp.IsZero(), "timestamp assigned")
	}
	assert.Equal(t, 1, store.Batches(), "single final flush")
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{BatchSize: 2, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	trail.Start()
	defer trail.Stop()

	for i := 0; i < 4; i++ {
		trail.Record(CommandRecord{AgentID: "a-1", Command: "suspend"})
	}
	assert.Eventually(t, func() bool { return store.Batches() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTickerFlush(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	trail.Start()
	defer trail.Stop()

	trail.Record(CommandRecord{AgentID: "a-2"})
	assert.Eventually(t, func() bool { return len(store.Records("a-2")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordAfterStopIsDropped(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{}, zaptest.NewLogger(t))
	trail.Start()
	trail.Stop()
	trail.Stop()

	trail.Record(CommandRecord{AgentID: "late"})
	assert.Empty(t, store.Records("late"))
	assert.Equal(t, int64(1), trail.Dropped())
}

func TestOverflowSheds(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{BufferSize: 1}, zaptest.NewLogger(t))

	// Воркер не запущен: второй Record не помещается в буфер
	trail.Record(CommandRecord{AgentID: "a"})
	trail.Record(CommandRecord{AgentID: "a"})
	assert.Equal(t, int64(1), trail.Dropped())

	trail.Start()
	trail.Stop()
	assert.Len(t, store.Records("a"), 1)
}

func TestConcurrentRecordAndStop(t *testing.T) {
	store := NewMemoryStorage()
	trail := NewTrail(store, Config{BufferSize: 16, BatchSize: 4}, zaptest.NewLogger(t))
	trail.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				trail.Record(CommandRecord{AgentID: "busy"})
			}
		}()
	}
	trail.Stop()
	wg.Wait()

	assert.Equal(t, int64(8*200), int64(len(store.Records("busy")))+trail.Dropped())
}

type failingStorage struct{ calls int }

func (f *failingStorage) WriteBatch(context.Context, []CommandRecord) error {
	f.calls++
	return errors.New("disk full")
}

func TestFlushErrorDoesNotStopWorker(t *testing.T) {
	store := &failingStorage{}
	trail := NewTrail(store, Config{BatchSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	trail.Start()
	trail.Record(CommandRecord{AgentID: "x"})
	trail.Record(CommandRecord{AgentID: "x"})
	trail.Stop()
	assert.Equal(t, 2, store.calls)
}
