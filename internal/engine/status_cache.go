package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/repository/redisstore"
)

// StatusLoader читает актуальный агрегат из журнала (обычно eventsource.Repository).
type StatusLoader interface {
	Load(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
}

type cachedStatus struct {
	status  domain.AgentStatus
	version uint64
}

// StatusCache: L1 кэш статусов агентов. Наполняется из уведомлений о записанных
// событиях и из загруженных агрегатов; версия защищает от отката на старое значение.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[domain.AgentID]cachedStatus

	rdb     *redis.Client
	loader  StatusLoader
	metrics *Metrics
	logger  *zap.Logger
}

func NewStatusCache(rdb *redis.Client, loader StatusLoader, metrics *Metrics, logger *zap.Logger) *StatusCache {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusCache{
		entries: make(map[domain.AgentID]cachedStatus),
		rdb:     rdb,
		loader:  loader,
		metrics: metrics,
		logger:  logger.Named("status_cache"),
	}
}

// Observe запоминает статус, если версия новее известной.
func (c *StatusCache) Observe(id domain.AgentID, status domain.AgentStatus, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[id]; ok && cur.version >= version {
		return
	}
	c.entries[id] = cachedStatus{status: status, version: version}
	c.metrics.StatusCacheSize.Set(float64(len(c.entries)))
}

// ObserveAgent: Observe по загруженному агрегату.
func (c *StatusCache) ObserveAgent(a domain.Agent) {
	if a.IsEmpty() {
		return
	}
	c.Observe(a.ID(), a.Status(), a.Version())
}

// Status возвращает статус из кэша. false: агент кэшу неизвестен.
func (c *StatusCache) Status(id domain.AgentID) (domain.AgentStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.status, ok
}

func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HandleNotification разбирает сообщение Pub/Sub. Нестатусные события игнорируются.
func (c *StatusCache) HandleNotification(payload string) {
	n, err := redisstore.DecodeNotification(payload)
	if err != nil {
		c.logger.Error("invalid notification", zap.Error(err))
		return
	}
	status, ok := statusAfter(n.Envelope.Event)
	if !ok {
		return
	}
	c.Observe(n.Envelope.AggregateID, status, n.Envelope.Sequence)
}

// Resync перечитывает из журнала все известные кэшу агрегаты.
// Вызывается после переподключения, пока уведомления могли теряться.
func (c *StatusCache) Resync(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	c.mu.RLock()
	ids := make([]domain.AgentID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		a, err := c.loader.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a != nil {
			c.ObserveAgent(*a)
		}
	}
	c.logger.Info("status cache resynced", zap.Int("agents", len(ids)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// StartListener запускает фоновую подписку на уведомления журнала.
func (c *StatusCache) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	go ListenEventsResilient(ctx, c.rdb, c.logger, infra.RedisChanAgentEvents,
		func() error { return c.Resync(ctx) },
		c.HandleNotification,
	)
}

func statusAfter(e domain.Event) (domain.AgentStatus, bool) {
	switch e.(type) {
	case domain.AgentDeployed:
		return domain.StatusDeployed, true
	case domain.AgentActivated:
		return domain.StatusActive, true
	case domain.AgentSuspended:
		return domain.StatusSuspended, true
	case domain.AgentWentOffline:
		return domain.StatusOffline, true
	case domain.AgentDecommissioned:
		return domain.StatusDecommissioned, true
	}
	return "", false
}
