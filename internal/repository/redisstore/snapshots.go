package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentledger/internal/codec"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
)

// SnapshotStore хранит кадры снапшотов в sorted set, score = версия.
type SnapshotStore struct {
	rdb   *redis.Client
	codec *codec.SnapshotCodec
}

func NewSnapshotStore(rdb *redis.Client, c *codec.SnapshotCodec) *SnapshotStore {
	if c == nil {
		c = codec.Default()
	}
	return &SnapshotStore{rdb: rdb, codec: c}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	frame, err := s.codec.Encode(snap)
	if err != nil {
		return err
	}
	key := infra.RedisKeySnapshots(snap.AggregateID.String())
	score := strconv.FormatUint(snap.Version, 10)

	// Одна версия = один кадр, старый член с тем же score заменяется
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, score, score)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(snap.Version), Member: frame})
		return nil
	})
	if err != nil {
		return eventsource.StoreError("save snapshot", fmt.Errorf("redis: zadd %s: %w", key, err))
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, id domain.AgentID) (*eventsource.Snapshot, error) {
	key := infra.RedisKeySnapshots(id.String())
	top, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, eventsource.StoreError("load snapshot", fmt.Errorf("redis: zrevrange %s: %w", key, err))
	}
	if len(top) == 0 {
		return nil, nil
	}
	frame, ok := top[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected snapshot member %T", domain.ErrSerialization, top[0].Member)
	}
	snap, err := s.codec.Decode([]byte(frame))
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotStore) DeleteSnapshotsBefore(ctx context.Context, id domain.AgentID, version uint64) error {
	key := infra.RedisKeySnapshots(id.String())
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatUint(version, 10)).Err(); err != nil {
		return eventsource.StoreError("prune snapshots", fmt.Errorf("redis: zremrangebyscore %s: %w", key, err))
	}
	return nil
}
