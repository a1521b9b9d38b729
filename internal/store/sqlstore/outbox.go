package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/store"
)

const eventColumns = `seq, event_id, entity_local_id, kind, operation, status, created_at, attempt_count,
    last_error, next_attempt_at, metadata`

type outbox struct{ s *Store }

func newEvent(e *model.Entity, op model.Operation, meta model.EventMetadata, at time.Time) *model.OutboxEvent {
	return &model.OutboxEvent{
		EventID:       uuid.NewString(),
		EntityLocalID: e.LocalID,
		Kind:          e.Kind,
		Operation:     op,
		Status:        model.EventPending,
		CreatedAt:     at,
		NextAttemptAt: at,
		Metadata:      meta,
	}
}

func scanEvent(sc rowScanner) (*model.OutboxEvent, error) {
	var (
		ev                     model.OutboxEvent
		kind, op, status, meta string
		created, next          int64
	)
	if err := sc.Scan(&ev.Seq, &ev.EventID, &ev.EntityLocalID, &kind, &op, &status, &created,
		&ev.AttemptCount, &ev.LastError, &next, &meta); err != nil {
		return nil, err
	}
	ev.Kind = model.Kind(kind)
	ev.Operation = model.Operation(op)
	ev.Status = model.EventStatus(status)
	ev.CreatedAt = fromNanos(created)
	ev.NextAttemptAt = fromNanos(next)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for event %s: %w", ev.EventID, err)
		}
	}
	return &ev, nil
}

func (o *outbox) insert(ctx context.Context, q queryer, ev *model.OutboxEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	row := o.s.queryRow(ctx, q, `INSERT INTO outbox_events
        (event_id, entity_local_id, kind, operation, status, created_at, attempt_count, last_error, next_attempt_at, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		ev.EventID, ev.EntityLocalID, string(ev.Kind), string(ev.Operation), string(ev.Status),
		toNanos(ev.CreatedAt), ev.AttemptCount, ev.LastError, toNanos(ev.NextAttemptAt), string(meta))
	if err := row.Scan(&ev.Seq); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (o *outbox) get(ctx context.Context, q queryer, eventID string) (*model.OutboxEvent, error) {
	ev, err := scanEvent(o.s.queryRow(ctx, q, `SELECT `+eventColumns+` FROM outbox_events WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", eventID, model.ErrNotFound)
	}
	return ev, err
}

func (o *outbox) list(ctx context.Context, q queryer, query string, args ...any) ([]*model.OutboxEvent, error) {
	rows, err := o.s.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (o *outbox) listByEntity(ctx context.Context, q queryer, localID string) ([]*model.OutboxEvent, error) {
	return o.list(ctx, q, `SELECT `+eventColumns+` FROM outbox_events WHERE entity_local_id = ? ORDER BY seq`, localID)
}

// Ready skips events queued behind an earlier event of the same entity that
// is still in flight or waiting out its backoff, so per-entity order holds.
func (o *outbox) Ready(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	n := toNanos(now)
	return o.list(ctx, o.s.db, `SELECT `+eventColumns+` FROM outbox_events e
        WHERE e.status = ? AND e.next_attempt_at <= ?
        AND NOT EXISTS (
            SELECT 1 FROM outbox_events p
            WHERE p.entity_local_id = e.entity_local_id AND p.seq < e.seq
            AND (p.status = ? OR (p.status = ? AND p.next_attempt_at > ?))
        )
        ORDER BY e.created_at, e.seq
        LIMIT ?`,
		string(model.EventPending), n, string(model.EventInFlight), string(model.EventPending), n, limit)
}

func (o *outbox) Get(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	return o.get(ctx, o.s.db, eventID)
}

func (o *outbox) ListByEntity(ctx context.Context, localID string) ([]*model.OutboxEvent, error) {
	return o.listByEntity(ctx, o.s.db, localID)
}

func (o *outbox) ListParked(ctx context.Context) ([]*model.OutboxEvent, error) {
	return o.list(ctx, o.s.db, `SELECT `+eventColumns+` FROM outbox_events WHERE status = ? ORDER BY seq`,
		string(model.EventParked))
}

// entityFor resolves the entity id of an event so the entity lock can be
// taken before the transaction starts.
func (o *outbox) entityFor(ctx context.Context, eventID string) (string, error) {
	ev, err := o.get(ctx, o.s.db, eventID)
	if err != nil {
		return "", err
	}
	return ev.EntityLocalID, nil
}

func (o *outbox) MarkInFlight(ctx context.Context, eventID string) (*model.Entity, error) {
	localID, err := o.entityFor(ctx, eventID)
	if err != nil {
		return nil, err
	}
	mu := o.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	ents := &entities{s: o.s}
	var out *model.Entity
	err = o.s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := o.get(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev.Status != model.EventPending {
			return fmt.Errorf("event %s is %s: %w", eventID, ev.Status, store.ErrNotClaimable)
		}
		cur, err := ents.get(ctx, tx, localID)
		if err != nil {
			return err
		}
		from := cur.SyncStatus
		if from == model.StatusFailed {
			from = model.StatusPending
		}
		if err := model.CheckTransition(localID, from, model.StatusSyncing); err != nil {
			return err
		}
		now := o.s.now().UTC()
		res, err := o.s.exec(ctx, tx, `UPDATE outbox_events SET status = ?, leased_at = ? WHERE event_id = ? AND status = ?`,
			string(model.EventInFlight), toNanos(now), eventID, string(model.EventPending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("event %s: %w", eventID, store.ErrNotClaimable)
		}
		if _, err := o.s.exec(ctx, tx, `UPDATE entities SET sync_status = ?, updated_at = ? WHERE local_id = ?`,
			string(model.StatusSyncing), toNanos(now), localID); err != nil {
			return err
		}
		cur.SyncStatus = model.StatusSyncing
		cur.UpdatedAt = now
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *outbox) Reschedule(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time) error {
	localID, err := o.entityFor(ctx, eventID)
	if err != nil {
		return err
	}
	mu := o.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	return o.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := o.s.exec(ctx, tx, `UPDATE outbox_events SET status = ?, attempt_count = ?, last_error = ?,
            next_attempt_at = ?, leased_at = 0 WHERE event_id = ?`,
			string(model.EventPending), attempts, lastErr, toNanos(next), eventID); err != nil {
			return err
		}
		// syncing -> failed -> pending collapses into one write; both edges
		// are checked so an illegal source state still surfaces.
		return o.moveEntity(ctx, tx, localID, lastErr, model.StatusFailed, model.StatusPending)
	})
}

func (o *outbox) Park(ctx context.Context, eventID string, attempts int, lastErr string) error {
	localID, err := o.entityFor(ctx, eventID)
	if err != nil {
		return err
	}
	mu := o.s.lockFor(localID)
	mu.Lock()
	defer mu.Unlock()

	return o.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := o.s.exec(ctx, tx, `UPDATE outbox_events SET status = ?, attempt_count = ?, last_error = ?,
            leased_at = 0 WHERE event_id = ?`,
			string(model.EventParked), attempts, lastErr, eventID); err != nil {
			return err
		}
		return o.moveEntity(ctx, tx, localID, lastErr, model.StatusFailed)
	})
}

// moveEntity walks the entity through the given statuses, validating each edge.
// A missing entity is not an error.
func (o *outbox) moveEntity(ctx context.Context, tx *sql.Tx, localID, lastErr string, path ...model.SyncStatus) error {
	cur, err := (&entities{s: o.s}).get(ctx, tx, localID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	from := cur.SyncStatus
	for _, to := range path {
		if err := model.CheckTransition(localID, from, to); err != nil {
			return err
		}
		from = to
	}
	_, err = o.s.exec(ctx, tx, `UPDATE entities SET sync_status = ?, last_sync_error = ?, updated_at = ? WHERE local_id = ?`,
		string(from), lastErr, toNanos(o.s.now().UTC()), localID)
	return err
}

func (o *outbox) Delete(ctx context.Context, eventID string) error {
	_, err := o.s.exec(ctx, o.s.db, `DELETE FROM outbox_events WHERE event_id = ?`, eventID)
	return err
}

func (o *outbox) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := o.s.exec(ctx, tx, `UPDATE outbox_events SET status = ?, leased_at = 0 WHERE status = ? AND leased_at < ?`,
			string(model.EventPending), string(model.EventInFlight), toNanos(before))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		_, err = o.s.exec(ctx, tx, `UPDATE entities SET sync_status = ?
            WHERE sync_status = ? AND NOT EXISTS (
                SELECT 1 FROM outbox_events o WHERE o.entity_local_id = entities.local_id AND o.status = ?
            )`, string(model.StatusPending), string(model.StatusSyncing), string(model.EventInFlight))
		return err
	})
	return int(n), err
}

func (o *outbox) Counts(ctx context.Context) (store.OutboxCounts, error) {
	var c store.OutboxCounts
	rows, err := o.s.query(ctx, o.s.db, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch model.EventStatus(status) {
		case model.EventPending:
			c.Pending = n
		case model.EventInFlight:
			c.InFlight = n
		case model.EventParked:
			c.Parked = n
		}
	}
	return c, rows.Err()
}
