package store

import (
	"context"
	"errors"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// ErrNotClaimable is returned when an outbox event is no longer pending, for
// example because another drain already leased it.
var ErrNotClaimable = errors.New("outbox event not claimable")

// Store exposes persistence operations required by the engine.
// Implementations live under internal/store/<driver>/ (sqlite, postgres).
type Store interface {
	Entities() Entities
	Outbox() Outbox
	SyncStates() SyncStates

	HealthPing(ctx context.Context) error
	Close() error
}

// Entities is the durable entity table. Writes to one entity are serialized;
// writes to different entities may proceed concurrently.
type Entities interface {
	// Create inserts an entity without an outbox event (already-synced imports).
	Create(ctx context.Context, e *model.Entity) (*model.Entity, error)
	// CreateWithEvent inserts a pending entity and its create event in one transaction.
	CreateWithEvent(ctx context.Context, e *model.Entity, meta model.EventMetadata) (*model.Entity, *model.OutboxEvent, error)
	// UpdateWithEvent stores new field values, clears a failed state and
	// enqueues the matching outbox event unless an equivalent one is already pending.
	UpdateWithEvent(ctx context.Context, e *model.Entity, meta model.EventMetadata) (*model.Entity, *model.OutboxEvent, error)
	// DeleteWithEvent removes an entity locally. Entities known to the backend
	// are tombstoned until their delete event drains.
	DeleteWithEvent(ctx context.Context, localID string, meta model.EventMetadata) (*model.OutboxEvent, error)

	Get(ctx context.Context, localID string) (*model.Entity, error)
	GetByBackendID(ctx context.Context, backendID string) (*model.Entity, error)

	// MarkSynced records a successful remote call: sets the backend id when
	// unset, advances the status and deletes the event, atomically.
	MarkSynced(ctx context.Context, localID, backendID, eventID string) (*model.Entity, error)
	// CompleteDelete purges a tombstoned entity and its delete event.
	CompleteDelete(ctx context.Context, localID, eventID string) error
	SetStatus(ctx context.Context, localID string, to model.SyncStatus, lastErr string) error

	QueryByDayBucket(ctx context.Context, ownerID string, kind model.Kind, day model.Day, loc *time.Location) ([]*model.Entity, error)
	QueryRange(ctx context.Context, ownerID string, kind model.Kind, start, end time.Time) ([]*model.Entity, error)
	QueryBySyncStatus(ctx context.Context, status model.SyncStatus) ([]*model.Entity, error)
	CountBySyncStatus(ctx context.Context) (map[model.SyncStatus]int, error)

	// PurgeSynced hard-deletes the owner's synced entities and returns how many were removed.
	PurgeSynced(ctx context.Context, ownerID string) (int, error)
}

// Outbox is the durable queue of pending mutations.
type Outbox interface {
	// Ready returns pending events due at now, oldest first.
	Ready(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error)
	Get(ctx context.Context, eventID string) (*model.OutboxEvent, error)
	ListByEntity(ctx context.Context, localID string) ([]*model.OutboxEvent, error)
	ListParked(ctx context.Context) ([]*model.OutboxEvent, error)

	// MarkInFlight leases a pending event and moves its entity to syncing.
	// Returns the current entity state.
	MarkInFlight(ctx context.Context, eventID string) (*model.Entity, error)
	// Reschedule returns an in-flight event to pending after a transient
	// failure; the entity passes through failed back to pending.
	Reschedule(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time) error
	// Park keeps the event out of the retry queue and marks its entity failed.
	Park(ctx context.Context, eventID string, attempts int, lastErr string) error
	// Delete removes an event whose entity no longer exists.
	Delete(ctx context.Context, eventID string) error
	// RequeueStale returns in-flight events leased before the cutoff to pending.
	RequeueStale(ctx context.Context, before time.Time) (int, error)

	Counts(ctx context.Context) (OutboxCounts, error)
}

// OutboxCounts summarises the queue for sync-health reporting.
type OutboxCounts struct {
	Pending  int
	InFlight int
	Parked   int
}

// SyncStates holds per-owner sync bookkeeping.
type SyncStates interface {
	// Get returns the owner's state, or a zero state (Version 0) when none exists.
	Get(ctx context.Context, ownerID string) (*model.SyncState, error)
	Put(ctx context.Context, s *model.SyncState) error
	// Reset bumps the version and clears InitialSyncDone.
	Reset(ctx context.Context, ownerID string) (*model.SyncState, error)
}
