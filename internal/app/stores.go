// Package app собирает хранилища и репозиторий по конфигурации.
// Используется и сервисом agentd, и утилитой agentctl.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/audit"
	"github.com/xela07ax/agentledger/internal/codec"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/repository/postgres"
	"github.com/xela07ax/agentledger/internal/repository/redisstore"
	"github.com/xela07ax/agentledger/internal/repository/sqlite"
)

// Stores: открытые бэкенды. Snapshots == nil, если снапшоты выключены.
type Stores struct {
	Events    eventsource.EventStore
	Snapshots eventsource.SnapshotStore
	Audit     audit.Storage
	Redis     *redis.Client

	closers []func() error
}

// OpenStores открывает драйверы, выбранные в конфигурации. Общие соединения
// (один пул Postgres, один файл SQLite, один клиент Redis) переиспользуются.
func OpenStores(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *Stores, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stores{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	snapCodec, err := codec.NewSnapshotCodec(cfg.Snapshot.Codec, cfg.Snapshot.Compress)
	if err != nil {
		return nil, fmt.Errorf("snapshot codec: %w", err)
	}

	var (
		pool *pgxpool.Pool
		lite *sqlite.Store
	)
	pgPool := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { p.Close(); return nil })
		if cfg.Database.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, p); err != nil {
				return nil, err
			}
		}
		pool = p
		return pool, nil
	}
	sqliteStore := func() (*sqlite.Store, error) {
		if lite != nil {
			return lite, nil
		}
		st, err := sqlite.Open(cfg.EventStore.SQLitePath, snapCodec)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		lite = st
		return lite, nil
	}

	if cfg.NeedsRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: failed to ping %s: %w", cfg.Redis.Addr, err)
		}
		s.Redis = rdb
	}

	// Журнал
	switch cfg.EventStore.Driver {
	case "postgres":
		p, err := pgPool()
		if err != nil {
			return nil, err
		}
		s.Events = postgres.NewEventStore(p, logger)
	case "redis":
		s.Events = redisstore.NewEventStore(s.Redis)
	case "sqlite":
		st, err := sqliteStore()
		if err != nil {
			return nil, err
		}
		s.Events = st
	case "memory":
		s.Events = eventsource.NewMemoryEventStore()
	default:
		return nil, fmt.Errorf("unknown eventstore driver %q", cfg.EventStore.Driver)
	}

	// Снапшоты
	switch cfg.Snapshot.Driver {
	case "postgres":
		p, err := pgPool()
		if err != nil {
			return nil, err
		}
		s.Snapshots = postgres.NewSnapshotStore(p, snapCodec)
	case "redis":
		s.Snapshots = redisstore.NewSnapshotStore(s.Redis, snapCodec)
	case "sqlite":
		st, err := sqliteStore()
		if err != nil {
			return nil, err
		}
		s.Snapshots = st
	case "memory":
		s.Snapshots = eventsource.NewMemorySnapshotStore()
	case "none":
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", cfg.Snapshot.Driver)
	}

	// Аудит пишется рядом с журналом, если журнал в SQL
	switch {
	case pool != nil:
		s.Audit = postgres.NewAuditRepo(pool)
	case lite != nil:
		s.Audit = lite
	default:
		s.Audit = audit.NewMemoryStorage()
	}

	logger.Info("stores opened",
		zap.String("events", cfg.EventStore.Driver),
		zap.String("snapshots", cfg.Snapshot.Driver),
		zap.String("snapshot_codec", cfg.Snapshot.Codec+"/"+cfg.Snapshot.Compress),
		zap.Bool("redis", s.Redis != nil))
	return s, nil
}

// Close закрывает соединения в обратном порядке.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewRepository собирает репозиторий поверх открытых хранилищ.
func NewRepository(s *Stores, cfg *infra.Config, publisher eventsource.EventPublisher, metrics *eventsource.Metrics, logger *zap.Logger) *eventsource.Repository {
	frequency := cfg.Snapshot.Frequency
	if s.Snapshots == nil {
		frequency = 0
	}
	return eventsource.NewRepository(s.Events, s.Snapshots, eventsource.RepositoryConfig{
		SnapshotFrequency: frequency,
		DeferPruning:      !cfg.Snapshot.InlinePrune,
		Publisher:         publisher,
		Metrics:           metrics,
	}, logger)
}
