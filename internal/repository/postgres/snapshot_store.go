package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentledger/internal/codec"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

const (
	sqlUpsertSnapshot = `
        INSERT INTO agent_snapshots (aggregate_id, version, state, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (aggregate_id, version) DO UPDATE SET
            state = EXCLUDED.state,
            created_at = EXCLUDED.created_at`

	sqlLatestSnapshot = `
        SELECT state FROM agent_snapshots
        WHERE aggregate_id = $1
        ORDER BY version DESC
        LIMIT 1`

	sqlDeleteSnapshotsBefore = `DELETE FROM agent_snapshots WHERE aggregate_id = $1 AND version < $2`
)

// SnapshotStore хранит закодированные кадры снапшотов в agent_snapshots.
type SnapshotStore struct {
	db    DBPool
	codec *codec.SnapshotCodec
}

func NewSnapshotStore(db DBPool, c *codec.SnapshotCodec) *SnapshotStore {
	if c == nil {
		c = codec.Default()
	}
	return &SnapshotStore{db: db, codec: c}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	frame, err := s.codec.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, sqlUpsertSnapshot, snap.AggregateID.String(), int64(snap.Version), frame, snap.CreatedAt)
	if err != nil {
		return eventsource.StoreError("save snapshot", fmt.Errorf("postgres: failed to upsert snapshot: %w", err))
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, id domain.AgentID) (*eventsource.Snapshot, error) {
	var frame []byte
	err := s.db.QueryRow(ctx, sqlLatestSnapshot, id.String()).Scan(&frame)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eventsource.StoreError("load snapshot", fmt.Errorf("postgres: failed to read snapshot: %w", err))
	}
	snap, err := s.codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotStore) DeleteSnapshotsBefore(ctx context.Context, id domain.AgentID, version uint64) error {
	if _, err := s.db.Exec(ctx, sqlDeleteSnapshotsBefore, id.String(), int64(version)); err != nil {
		return eventsource.StoreError("prune snapshots", fmt.Errorf("postgres: failed to delete snapshots: %w", err))
	}
	return nil
}
