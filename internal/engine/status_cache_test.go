package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/repository/redisstore"
)

func notification(t *testing.T, e domain.Event, seq uint64) string {
	t.Helper()
	data, err := json.Marshal(redisstore.Notification{
		Subject:  infra.EventSubject(e.AggregateID().String(), e.EventType()),
		Envelope: eventsource.EventEnvelope{AggregateID: e.AggregateID(), Sequence: seq, Event: e, Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)
	return string(data)
}

func TestStatusCacheObserveKeepsNewest(t *testing.T) {
	c := NewStatusCache(nil, nil, nil, zaptest.NewLogger(t))
	id := domain.NewAgentID()

	_, ok := c.Status(id)
	assert.False(t, ok)

	c.Observe(id, domain.StatusActive, 3)
	c.Observe(id, domain.StatusDeployed, 1) // запоздавшее уведомление
	got, ok := c.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, got)

	c.Observe(id, domain.StatusSuspended, 4)
	got, _ = c.Status(id)
	assert.Equal(t, domain.StatusSuspended, got)
	assert.Equal(t, 1, c.Len())
}

func TestStatusCacheHandleNotification(t *testing.T) {
	c := NewStatusCache(nil, nil, nil, zaptest.NewLogger(t))
	id := domain.NewAgentID()

	c.HandleNotification(notification(t, domain.AgentActivated{AgentID: id}, 2))
	c.HandleNotification(notification(t, domain.ToolsDisabled{AgentID: id, ToolIDs: []string{"x"}}, 3))
	c.HandleNotification("not json")

	got, ok := c.Status(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, got)
}

func TestStatusCacheResync(t *testing.T) {
	ctx := context.Background()
	repo := eventsource.NewRepository(eventsource.NewMemoryEventStore(), nil, eventsource.RepositoryConfig{}, zaptest.NewLogger(t))
	id := domain.NewAgentID()
	events := []domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeSystem, Metadata: domain.AgentMetadata{Name: "indexer"}},
		domain.AgentActivated{AgentID: id},
		domain.AgentWentOffline{AgentID: id, Reason: "network"},
	}
	agent, err := domain.Empty().ApplyEvents(events)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, agent, events, eventsource.ExpectVersion(0)))

	c := NewStatusCache(nil, repo, nil, zaptest.NewLogger(t))
	c.Observe(id, domain.StatusActive, 2)
	c.Observe(domain.NewAgentID(), domain.StatusActive, 2) // в журнале нет

	require.NoError(t, c.Resync(ctx))
	got, _ := c.Status(id)
	assert.Equal(t, domain.StatusOffline, got)
}

func TestStatusCacheListener(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewStatusCache(rdb, nil, nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.StartListener(ctx)

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(infra.RedisChanAgentEvents)[infra.RedisChanAgentEvents] == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := domain.NewAgentID()
	pub := redisstore.NewPublisher(rdb)
	err := pub.Publish(ctx, []eventsource.EventEnvelope{
		{AggregateID: id, Sequence: 1, Event: domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI}, Timestamp: time.Now().UTC()},
		{AggregateID: id, Sequence: 2, Event: domain.AgentActivated{AgentID: id}, Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := c.Status(id)
		return ok && s == domain.StatusActive
	}, 2*time.Second, 10*time.Millisecond)
}
