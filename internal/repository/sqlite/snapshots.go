package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

func (s *Store) SaveSnapshot(ctx context.Context, snap eventsource.Snapshot) error {
	frame, err := s.codec.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_snapshots (aggregate_id, version, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			state = excluded.state,
			created_at = excluded.created_at`,
		snap.AggregateID.String(), int64(snap.Version), frame, formatTime(snap.CreatedAt),
	)
	if err != nil {
		return eventsource.StoreError("save snapshot", fmt.Errorf("sqlite: upsert snapshot: %w", err))
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, id domain.AgentID) (*eventsource.Snapshot, error) {
	var frame []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM agent_snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC
		LIMIT 1`, id.String(),
	).Scan(&frame)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eventsource.StoreError("load snapshot", fmt.Errorf("sqlite: read snapshot: %w", err))
	}
	snap, err := s.codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) DeleteSnapshotsBefore(ctx context.Context, id domain.AgentID, version uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_snapshots WHERE aggregate_id = ? AND version < ?`, id.String(), int64(version))
	if err != nil {
		return eventsource.StoreError("prune snapshots", fmt.Errorf("sqlite: delete snapshots: %w", err))
	}
	return nil
}
