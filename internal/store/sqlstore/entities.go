package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fitiq/fitiq-sync/internal/model"
)

const entityColumns = `local_id, backend_id, owner_id, kind, value, unit, start_time, end_time, stages,
    occurred_at, time_zone, sync_status, source, external_id, last_sync_error, deleted, created_at, updated_at`

type entities struct{ s *Store }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc rowScanner) (*model.Entity, error) {
	var (
		e                                     model.Entity
		backendID                             sql.NullString
		kind, status, source, stages          string
		start, end, occurred, created, update int64
		deleted                               int
	)
	if err := sc.Scan(&e.LocalID, &backendID, &e.OwnerID, &kind, &e.Value, &e.Unit, &start, &end, &stages,
		&occurred, &e.TimeZone, &status, &source, &e.ExternalID, &e.LastSyncError, &deleted, &created, &update); err != nil {
		return nil, err
	}
	e.BackendID = backendID.String
	e.Kind = model.Kind(kind)
	e.SyncStatus = model.SyncStatus(status)
	e.Source = model.Source(source)
	e.StartTime = fromNanos(start)
	e.EndTime = fromNanos(end)
	e.OccurredAt = fromNanos(occurred)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(update)
	e.Deleted = deleted != 0
	if stages != "" && stages != "null" && stages != "[]" {
		if err := json.Unmarshal([]byte(stages), &e.Stages); err != nil {
			return nil, fmt.Errorf("decode stages for %s: %w", e.LocalID, err)
		}
	}
	return &e, nil
}

func encodeStages(st []model.Stage) (string, error) {
	if len(st) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableBackendID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func validateEntity(e *model.Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", model.ErrValidation)
	}
	if e.OwnerID == "" {
		return fmt.Errorf("%w: owner id required", model.ErrValidation)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", model.ErrValidation, e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt required", model.ErrValidation)
	}
	if e.Kind.IsSession() && (e.StartTime.IsZero() || e.EndTime.Before(e.StartTime)) {
		return fmt.Errorf("%w: session needs start <= end", model.ErrValidation)
	}
	return nil
}

func (r *entities) get(ctx context.Context, q queryer, localID string) (*model.Entity, error) {
	row := r.s.queryRow(ctx, q, `SELECT `+entityColumns+` FROM entities WHERE local_id = ?`, localID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", localID, model.ErrNotFound)
	}
	return e, err
}

func (r *entities) insert(ctx context.Context, q queryer, e *model.Entity) error {
	stages, err := encodeStages(e.Stages)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, q, `INSERT INTO entities (`+entityColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, nullableBackendID(e.BackendID), e.OwnerID, string(e.Kind), e.Value, e.Unit,
		toNanos(e.StartTime), toNanos(e.EndTime), stages, toNanos(e.OccurredAt), e.TimeZone,
		string(e.SyncStatus), string(e.Source), e.ExternalID, e.LastSyncError, boolToInt(e.Deleted),
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
	return err
}

func (r *entities) update(ctx context.Context, q queryer, e *model.Entity) error {
	stages, err := encodeStages(e.Stages)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, q, `UPDATE entities SET value = ?, unit = ?, start_time = ?, end_time = ?, stages = ?,
        occurred_at = ?, time_zone = ?, sync_status = ?, source = ?, external_id = ?, last_sync_error = ?,
        deleted = ?, updated_at = ? WHERE local_id = ?`,
		e.Value, e.Unit, toNanos(e.StartTime), toNanos(e.EndTime), stages, toNanos(e.OccurredAt), e.TimeZone,
		string(e.SyncStatus), string(e.Source), e.ExternalID, e.LastSyncError, boolToInt(e.Deleted),
		toNanos(e.UpdatedAt), e.LocalID)
	return err
}

func (r *entities) prepareNew(e *model.Entity) *model.Entity {
	out := e.Clone()
	out.LocalID = uuid.NewString()
	now := r.s.now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Deleted = false
	out.LastSyncError = ""
	if out.Source == "" {
		out.Source = model.SourceManual
	}
	return out
}

func (r *entities) Create(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	if err := validateEntity(e); err != nil {
		return nil, err
	}
	if e.BackendID == "" {
		return nil, fmt.Errorf("%w: entities without a backend id must be created with an outbox event", model.ErrValidation)
	}
	out := r.prepareNew(e)
	out.SyncStatus = model.StatusSynced
	if err := r.insert(ctx, r.s.db, out); err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return out, nil
}

func (r *entities) CreateWithEvent(ctx context.Context, e *model.Entity, meta model.EventMetadata) (*model.Entity, *model.OutboxEvent, error) {
	if err := validateEntity(e); err != nil {
		return nil, nil, err
	}
	out := r.prepareNew(e)
	out.BackendID = ""
	out.SyncStatus = model.StatusPending
	ev := newEvent(out, model.OpCreate, meta, out.CreatedAt)

	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.insert(ctx, tx, out); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		return (&outbox{s: r.s}).insert(ctx, tx, ev)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, ev, nil
}

func (r *entities) UpdateWithEvent(ctx context.Context, e *model.Entity, meta model.EventMetadata) (*model.Entity, *model.OutboxEvent, error) {
	if e == nil || e.LocalID == "" {
		return nil, nil, fmt.Errorf("%w: local id required", model.ErrValidation)
	}
	mu := r.s.lockFor(e.LocalID)
	mu.Lock()
	defer mu.Unlock()

	var (
		out *model.Entity
		ev  *model.OutboxEvent
	)
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, e.LocalID)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return fmt.Errorf("entity %s: %w", e.LocalID, model.ErrNotFound)
		}

		next := cur.Clone()
		next.Value = e.Value
		next.Unit = e.Unit
		next.StartTime = e.StartTime
		next.EndTime = e.EndTime
		next.Stages = e.Stages
		next.OccurredAt = e.OccurredAt
		next.TimeZone = e.TimeZone
		next.ExternalID = e.ExternalID
		if e.Source != "" {
			next.Source = e.Source
		}
		if err := validateEntity(next); err != nil {
			return err
		}
		if len(meta.FieldsChanged) == 0 {
			meta.FieldsChanged = changedFields(cur, next)
		}

		// An update while syncing keeps the entity syncing; MarkSynced moves it
		// to pending because the new event is still queued.
		if cur.SyncStatus != model.StatusSyncing {
			if err := model.CheckTransition(cur.LocalID, cur.SyncStatus, model.StatusPending); err != nil {
				return err
			}
			next.SyncStatus = model.StatusPending
		}
		next.LastSyncError = ""
		next.UpdatedAt = r.s.now().UTC()
		if err := r.update(ctx, tx, next); err != nil {
			return fmt.Errorf("update entity: %w", err)
		}

		ob := &outbox{s: r.s}
		events, err := ob.listByEntity(ctx, tx, cur.LocalID)
		if err != nil {
			return err
		}
		for _, existing := range events {
			switch {
			case existing.Status == model.EventParked:
				// Parked events are superseded by the fresh one below.
				if _, err := r.s.exec(ctx, tx, `DELETE FROM outbox_events WHERE event_id = ?`, existing.EventID); err != nil {
					return err
				}
				meta.Requeued = true
			case existing.Status == model.EventPending && existing.Operation != model.OpDelete:
				ev = existing
			}
		}
		if ev == nil {
			op := model.OpCreate
			if next.BackendID != "" {
				op = model.OpUpdate
			}
			ev = newEvent(next, op, meta, next.UpdatedAt)
			if err := ob.insert(ctx, tx, ev); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, ev, nil
}

func (r *entities) DeleteWithEvent(ctx context.Context, localID string, meta model.EventMetadata) (*model.OutboxEvent, error) {
	mu := r.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	var ev *model.OutboxEvent
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, localID)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return fmt.Errorf("entity %s: %w", localID, model.ErrNotFound)
		}
		ob := &outbox{s: r.s}
		events, err := ob.listByEntity(ctx, tx, localID)
		if err != nil {
			return err
		}
		inFlight := false
		for _, existing := range events {
			if existing.Status == model.EventInFlight {
				inFlight = true
				continue
			}
			// Anything not yet sent is obsolete once the entity is gone.
			if _, err := r.s.exec(ctx, tx, `DELETE FROM outbox_events WHERE event_id = ?`, existing.EventID); err != nil {
				return err
			}
		}

		if cur.BackendID == "" && !inFlight {
			_, err := r.s.exec(ctx, tx, `DELETE FROM entities WHERE local_id = ?`, localID)
			return err
		}

		cur.Deleted = true
		if cur.SyncStatus != model.StatusSyncing {
			cur.SyncStatus = model.StatusPending
		}
		cur.LastSyncError = ""
		cur.UpdatedAt = r.s.now().UTC()
		if err := r.update(ctx, tx, cur); err != nil {
			return err
		}
		if meta.Reason == "" {
			meta.Reason = "deleted"
		}
		ev = newEvent(cur, model.OpDelete, meta, cur.UpdatedAt)
		return ob.insert(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *entities) Get(ctx context.Context, localID string) (*model.Entity, error) {
	return r.get(ctx, r.s.db, localID)
}

func (r *entities) GetByBackendID(ctx context.Context, backendID string) (*model.Entity, error) {
	row := r.s.queryRow(ctx, r.s.db, `SELECT `+entityColumns+` FROM entities WHERE backend_id = ?`, backendID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backend id %s: %w", backendID, model.ErrNotFound)
	}
	return e, err
}

func (r *entities) MarkSynced(ctx context.Context, localID, backendID, eventID string) (*model.Entity, error) {
	if backendID == "" {
		return nil, fmt.Errorf("%w: empty backend id", model.ErrValidation)
	}
	mu := r.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	var out *model.Entity
	err := r.s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, localID)
		if err != nil {
			return err
		}
		if cur.BackendID != "" && cur.BackendID != backendID {
			return fmt.Errorf("entity %s has %s, got %s: %w", localID, cur.BackendID, backendID, model.ErrBackendIDConflict)
		}
		if cur.BackendID == "" {
			if taken, err := r.backendIDTaken(ctx, tx, backendID, localID); err != nil {
				return err
			} else if taken {
				return fmt.Errorf("backend id %s belongs to another entity: %w", backendID, model.ErrBackendIDConflict)
			}
			if _, err := r.s.exec(ctx, tx, `UPDATE entities SET backend_id = ? WHERE local_id = ? AND backend_id IS NULL`,
				backendID, localID); err != nil {
				return fmt.Errorf("assign backend id: %w", err)
			}
			cur.BackendID = backendID
		}
		if _, err := r.s.exec(ctx, tx, `DELETE FROM outbox_events WHERE event_id = ?`, eventID); err != nil {
			return err
		}

		var remaining int
		if err := r.s.queryRow(ctx, tx, `SELECT COUNT(*) FROM outbox_events WHERE entity_local_id = ? AND status <> ?`,
			localID, string(model.EventParked)).Scan(&remaining); err != nil {
			return err
		}
		to := model.StatusSynced
		if remaining > 0 {
			to = model.StatusPending
		}
		if err := model.CheckTransition(localID, cur.SyncStatus, to); err != nil {
			return err
		}
		cur.SyncStatus = to
		cur.LastSyncError = ""
		cur.UpdatedAt = r.s.now().UTC()
		if _, err := r.s.exec(ctx, tx, `UPDATE entities SET sync_status = ?, last_sync_error = '', updated_at = ? WHERE local_id = ?`,
			string(to), toNanos(cur.UpdatedAt), localID); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *entities) backendIDTaken(ctx context.Context, q queryer, backendID, localID string) (bool, error) {
	var n int
	err := r.s.queryRow(ctx, q, `SELECT COUNT(*) FROM entities WHERE backend_id = ? AND local_id <> ?`, backendID, localID).Scan(&n)
	return n > 0, err
}

func (r *entities) CompleteDelete(ctx context.Context, localID, eventID string) error {
	mu := r.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.s.exec(ctx, tx, `DELETE FROM outbox_events WHERE event_id = ? OR entity_local_id = ?`, eventID, localID); err != nil {
			return err
		}
		_, err := r.s.exec(ctx, tx, `DELETE FROM entities WHERE local_id = ? AND deleted = 1`, localID)
		return err
	})
}

func (r *entities) SetStatus(ctx context.Context, localID string, to model.SyncStatus, lastErr string) error {
	mu := r.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, localID)
		if err != nil {
			return err
		}
		if err := model.CheckTransition(localID, cur.SyncStatus, to); err != nil {
			return err
		}
		_, err = r.s.exec(ctx, tx, `UPDATE entities SET sync_status = ?, last_sync_error = ?, updated_at = ? WHERE local_id = ?`,
			string(to), lastErr, toNanos(r.s.now().UTC()), localID)
		return err
	})
}

func (r *entities) QueryByDayBucket(ctx context.Context, ownerID string, kind model.Kind, day model.Day, loc *time.Location) ([]*model.Entity, error) {
	return r.QueryRange(ctx, ownerID, kind, day.Start(loc), day.End(loc))
}

func (r *entities) QueryRange(ctx context.Context, ownerID string, kind model.Kind, start, end time.Time) ([]*model.Entity, error) {
	return r.list(ctx, `SELECT `+entityColumns+` FROM entities
        WHERE owner_id = ? AND kind = ? AND occurred_at >= ? AND occurred_at < ? AND deleted = 0
        ORDER BY occurred_at, created_at`, ownerID, string(kind), toNanos(start), toNanos(end))
}

func (r *entities) QueryBySyncStatus(ctx context.Context, status model.SyncStatus) ([]*model.Entity, error) {
	return r.list(ctx, `SELECT `+entityColumns+` FROM entities WHERE sync_status = ? AND deleted = 0
        ORDER BY updated_at, local_id`, string(status))
}

func (r *entities) list(ctx context.Context, query string, args ...any) ([]*model.Entity, error) {
	rows, err := r.s.query(ctx, r.s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *entities) CountBySyncStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := r.s.query(ctx, r.s.db, `SELECT sync_status, COUNT(*) FROM entities WHERE deleted = 0 GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.SyncStatus]int{
		model.StatusPending: 0,
		model.StatusSyncing: 0,
		model.StatusSynced:  0,
		model.StatusFailed:  0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *entities) PurgeSynced(ctx context.Context, ownerID string) (int, error) {
	res, err := r.s.exec(ctx, r.s.db, `DELETE FROM entities
        WHERE owner_id = ? AND sync_status = ? AND deleted = 0
        AND NOT EXISTS (SELECT 1 FROM outbox_events o WHERE o.entity_local_id = entities.local_id)`,
		ownerID, string(model.StatusSynced))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// changedFields lists the user-visible fields that differ between a and b.
func changedFields(a, b *model.Entity) []string {
	var out []string
	if a.Value != b.Value {
		out = append(out, "value")
	}
	if a.Unit != b.Unit {
		out = append(out, "unit")
	}
	if !a.StartTime.Equal(b.StartTime) {
		out = append(out, "startTime")
	}
	if !a.EndTime.Equal(b.EndTime) {
		out = append(out, "endTime")
	}
	if !a.OccurredAt.Equal(b.OccurredAt) {
		out = append(out, "occurredAt")
	}
	if a.TimeZone != b.TimeZone {
		out = append(out, "timeZone")
	}
	if len(a.Stages) != len(b.Stages) {
		out = append(out, "stages")
	} else {
		for i := range a.Stages {
			if a.Stages[i].Kind != b.Stages[i].Kind || !a.Stages[i].Start.Equal(b.Stages[i].Start) || !a.Stages[i].End.Equal(b.Stages[i].End) {
				out = append(out, "stages")
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
