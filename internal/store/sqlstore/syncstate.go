package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fitiq/fitiq-sync/internal/model"
)

type syncStates struct{ s *Store }

func (r *syncStates) get(ctx context.Context, q queryer, ownerID string) (*model.SyncState, error) {
	var (
		st           = model.SyncState{OwnerID: ownerID}
		done         int
		full, update int64
	)
	err := r.s.queryRow(ctx, q, `SELECT initial_sync_done, version, last_full_sync_at, updated_at
        FROM sync_states WHERE owner_id = ?`, ownerID).Scan(&done, &st.Version, &full, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	st.InitialSyncDone = done != 0
	st.LastFullSyncAt = fromNanos(full)
	st.UpdatedAt = fromNanos(update)
	return &st, nil
}

func (r *syncStates) put(ctx context.Context, q queryer, st *model.SyncState) error {
	_, err := r.s.exec(ctx, q, `INSERT INTO sync_states (owner_id, initial_sync_done, version, last_full_sync_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (owner_id) DO UPDATE SET
            initial_sync_done = excluded.initial_sync_done,
            version = excluded.version,
            last_full_sync_at = excluded.last_full_sync_at,
            updated_at = excluded.updated_at`,
		st.OwnerID, boolToInt(st.InitialSyncDone), st.Version, toNanos(st.LastFullSyncAt), toNanos(st.UpdatedAt))
	return err
}

func (r *syncStates) Get(ctx context.Context, ownerID string) (*model.SyncState, error) {
	return r.get(ctx, r.s.db, ownerID)
}

func (r *syncStates) Put(ctx context.Context, st *model.SyncState) error {
	if st == nil || st.OwnerID == "" {
		return fmt.Errorf("%w: owner id required", model.ErrValidation)
	}
	cp := *st
	cp.UpdatedAt = r.s.now().UTC()
	if err := r.put(ctx, r.s.db, &cp); err != nil {
		return err
	}
	st.UpdatedAt = cp.UpdatedAt
	return nil
}

func (r *syncStates) Reset(ctx context.Context, ownerID string) (*model.SyncState, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", model.ErrValidation)
	}
	var out *model.SyncState
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := r.get(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		st.Version++
		st.InitialSyncDone = false
		st.UpdatedAt = r.s.now().UTC()
		if err := r.put(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}
