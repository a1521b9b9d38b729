package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/store"
)

// Run exercises the compliance suite against a store.Store implementation.
// makeStore must return a clean, isolated store for every call.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateWithEvent", testCreateWithEvent},
		{"CreateRequiresBackendID", testCreateRequiresBackendID},
		{"ReadyOrderAndBackoff", testReadyOrderAndBackoff},
		{"LeaseAndMarkSynced", testLeaseAndMarkSynced},
		{"BackendIDNeverReassigned", testBackendIDNeverReassigned},
		{"UpdateWhileSyncing", testUpdateWhileSyncing},
		{"UpdateCoalescesPendingEvent", testUpdateCoalescesPendingEvent},
		{"ParkAndRevive", testParkAndRevive},
		{"Reschedule", testReschedule},
		{"Delete", testDelete},
		{"DayBucketTimeZone", testDayBucketTimeZone},
		{"Counts", testCounts},
		{"RequeueStale", testRequeueStale},
		{"SyncStates", testSyncStates},
		{"PurgeSynced", testPurgeSynced},
		{"InvalidTransition", testInvalidTransition},
		{"ConcurrentUpdates", testConcurrentUpdates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := makeStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func owner() string { return "owner-" + uuid.NewString() }

func weight(ownerID string, at time.Time, v float64) *model.Entity {
	return &model.Entity{
		OwnerID:    ownerID,
		Kind:       model.KindWeight,
		Value:      v,
		Unit:       "kg",
		OccurredAt: at,
		TimeZone:   "UTC",
		Source:     model.SourceManual,
	}
}

func mustCreate(t *testing.T, s store.Store, e *model.Entity) (*model.Entity, *model.OutboxEvent) {
	t.Helper()
	out, ev, err := s.Entities().CreateWithEvent(context.Background(), e, model.EventMetadata{Origin: model.SourceManual})
	require.NoError(t, err)
	return out, ev
}

func testCreateWithEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	sleep := &model.Entity{
		OwnerID:    o,
		Kind:       model.KindSleep,
		Value:      420,
		Unit:       "min",
		StartTime:  base.Add(-8 * time.Hour),
		EndTime:    base,
		OccurredAt: base,
		TimeZone:   "America/New_York",
		Source:     model.SourceSensor,
		ExternalID: "watch:1",
		Stages: []model.Stage{
			{Kind: model.StageCore, Start: base.Add(-8 * time.Hour), End: base.Add(-4 * time.Hour)},
			{Kind: model.StageDeep, Start: base.Add(-4 * time.Hour), End: base},
		},
	}
	created, ev := mustCreate(t, s, sleep)
	require.NotEmpty(t, created.LocalID)
	assert.Equal(t, model.StatusPending, created.SyncStatus)
	assert.Empty(t, created.BackendID)
	assert.Equal(t, model.OpCreate, ev.Operation)
	assert.Equal(t, model.EventPending, ev.Status)
	assert.Equal(t, created.LocalID, ev.EntityLocalID)
	assert.Positive(t, ev.Seq)

	got, err := s.Entities().Get(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 420.0, got.Value)
	assert.Equal(t, "America/New_York", got.TimeZone)
	assert.Equal(t, "watch:1", got.ExternalID)
	assert.True(t, got.OccurredAt.Equal(base))
	assert.True(t, got.StartTime.Equal(base.Add(-8*time.Hour)))
	require.Len(t, got.Stages, 2)
	assert.Equal(t, model.StageDeep, got.Stages[1].Kind)
	assert.True(t, got.Stages[1].End.Equal(base))

	events, err := s.Outbox().ListByEntity(ctx, created.LocalID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SourceManual, events[0].Metadata.Origin)

	_, err = s.Entities().Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, _, err = s.Entities().CreateWithEvent(ctx, &model.Entity{OwnerID: o, Kind: "bogus", OccurredAt: base}, model.EventMetadata{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func testCreateRequiresBackendID(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	_, err := s.Entities().Create(ctx, weight(o, base, 70))
	assert.ErrorIs(t, err, model.ErrValidation)

	e := weight(o, base, 70)
	e.BackendID = "srv-1"
	e.Source = model.SourceBackend
	created, err := s.Entities().Create(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, created.SyncStatus)

	got, err := s.Entities().GetByBackendID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, created.LocalID, got.LocalID)

	events, err := s.Outbox().ListByEntity(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testReadyOrderAndBackoff(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	var ids []string
	for i := 0; i < 3; i++ {
		_, ev := mustCreate(t, s, weight(o, base.Add(time.Duration(i)*time.Minute), float64(70+i)))
		ids = append(ids, ev.EventID)
	}
	now := time.Now().Add(time.Minute)
	ready, err := s.Outbox().Ready(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	for i, ev := range ready {
		assert.Equal(t, ids[i], ev.EventID)
	}

	_, err = s.Outbox().MarkInFlight(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, s.Outbox().Reschedule(ctx, ids[0], 1, "boom", now.Add(time.Hour)))

	ready, err = s.Outbox().Ready(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, ids[1], ready[0].EventID)

	ready, err = s.Outbox().Ready(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, ready, 3)

	ready, err = s.Outbox().Ready(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func testLeaseAndMarkSynced(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, ev := mustCreate(t, s, weight(owner(), base, 70))

	leased, err := s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, leased.SyncStatus)

	_, err = s.Outbox().MarkInFlight(ctx, ev.EventID)
	assert.ErrorIs(t, err, store.ErrNotClaimable)

	synced, err := s.Entities().MarkSynced(ctx, e.LocalID, "srv-9", ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, synced.SyncStatus)
	assert.Equal(t, "srv-9", synced.BackendID)

	got, err := s.Entities().Get(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "srv-9", got.BackendID)
	assert.Equal(t, model.StatusSynced, got.SyncStatus)

	events, err := s.Outbox().ListByEntity(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testBackendIDNeverReassigned(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()
	a, evA := mustCreate(t, s, weight(o, base, 70))
	b, evB := mustCreate(t, s, weight(o, base.Add(time.Hour), 71))

	_, err := s.Outbox().MarkInFlight(ctx, evA.EventID)
	require.NoError(t, err)
	_, err = s.Entities().MarkSynced(ctx, a.LocalID, "srv-a", evA.EventID)
	require.NoError(t, err)

	// Another entity cannot claim the same backend id.
	_, err = s.Outbox().MarkInFlight(ctx, evB.EventID)
	require.NoError(t, err)
	_, err = s.Entities().MarkSynced(ctx, b.LocalID, "srv-a", evB.EventID)
	assert.ErrorIs(t, err, model.ErrBackendIDConflict)

	// A later sync cannot replace an assigned id.
	a.Value = 72
	_, evA2, err := s.Entities().UpdateWithEvent(ctx, a, model.EventMetadata{})
	require.NoError(t, err)
	assert.Equal(t, model.OpUpdate, evA2.Operation)
	_, err = s.Outbox().MarkInFlight(ctx, evA2.EventID)
	require.NoError(t, err)
	_, err = s.Entities().MarkSynced(ctx, a.LocalID, "srv-other", evA2.EventID)
	assert.ErrorIs(t, err, model.ErrBackendIDConflict)

	got, err := s.Entities().Get(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "srv-a", got.BackendID)
}

func testUpdateWhileSyncing(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, ev := mustCreate(t, s, weight(owner(), base, 70))

	_, err := s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)

	e.Value = 71
	updated, ev2, err := s.Entities().UpdateWithEvent(ctx, e, model.EventMetadata{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, updated.SyncStatus)
	assert.NotEqual(t, ev.EventID, ev2.EventID)
	assert.Equal(t, []string{"value"}, ev2.Metadata.FieldsChanged)

	// The follow-up waits behind the in-flight event of the same entity.
	ready, err := s.Outbox().Ready(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	synced, err := s.Entities().MarkSynced(ctx, e.LocalID, "srv-1", ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, synced.SyncStatus)

	ready, err = s.Outbox().Ready(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, ev2.EventID, ready[0].EventID)
}

func testUpdateCoalescesPendingEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := weight(owner(), base, 70)
	e.BackendID = "srv-1"
	created, err := s.Entities().Create(ctx, e)
	require.NoError(t, err)

	created.Value = 71
	updated, ev1, err := s.Entities().UpdateWithEvent(ctx, created, model.EventMetadata{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.SyncStatus)
	assert.Equal(t, model.OpUpdate, ev1.Operation)

	created.Value = 72
	_, ev2, err := s.Entities().UpdateWithEvent(ctx, created, model.EventMetadata{})
	require.NoError(t, err)
	assert.Equal(t, ev1.EventID, ev2.EventID)

	events, err := s.Outbox().ListByEntity(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	got, err := s.Entities().Get(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 72.0, got.Value)
}

func testParkAndRevive(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, ev := mustCreate(t, s, weight(owner(), base, 70))

	_, err := s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)
	require.NoError(t, s.Outbox().Park(ctx, ev.EventID, 1, "400 bad request"))

	got, err := s.Entities().Get(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.SyncStatus)
	assert.Equal(t, "400 bad request", got.LastSyncError)

	parked, err := s.Outbox().ListParked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 1, parked[0].AttemptCount)

	ready, err := s.Outbox().Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	got.Value = 71
	revived, ev2, err := s.Entities().UpdateWithEvent(ctx, got, model.EventMetadata{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, revived.SyncStatus)
	assert.Empty(t, revived.LastSyncError)
	assert.True(t, ev2.Metadata.Requeued)
	assert.Equal(t, model.OpCreate, ev2.Operation)

	parked, err = s.Outbox().ListParked(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func testReschedule(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, ev := mustCreate(t, s, weight(owner(), base, 70))
	_, err := s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)

	next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Outbox().Reschedule(ctx, ev.EventID, 2, "503", next))

	got, err := s.Entities().Get(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.SyncStatus)
	assert.Equal(t, "503", got.LastSyncError)

	rev, err := s.Outbox().Get(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, rev.Status)
	assert.Equal(t, 2, rev.AttemptCount)
	assert.Equal(t, "503", rev.LastError)
	assert.True(t, rev.NextAttemptAt.Equal(next))
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	local, _ := mustCreate(t, s, weight(o, base, 70))
	ev, err := s.Entities().DeleteWithEvent(ctx, local.LocalID, model.EventMetadata{})
	require.NoError(t, err)
	assert.Nil(t, ev)
	_, err = s.Entities().Get(ctx, local.LocalID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	events, err := s.Outbox().ListByEntity(ctx, local.LocalID)
	require.NoError(t, err)
	assert.Empty(t, events)

	remote := weight(o, base.Add(time.Hour), 71)
	remote.BackendID = "srv-del"
	known, err := s.Entities().Create(ctx, remote)
	require.NoError(t, err)

	ev, err = s.Entities().DeleteWithEvent(ctx, known.LocalID, model.EventMetadata{})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.OpDelete, ev.Operation)

	tomb, err := s.Entities().Get(ctx, known.LocalID)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, model.StatusPending, tomb.SyncStatus)

	listed, err := s.Entities().QueryRange(ctx, o, model.KindWeight, base.Add(-24*time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = s.Entities().DeleteWithEvent(ctx, known.LocalID, model.EventMetadata{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)
	require.NoError(t, s.Entities().CompleteDelete(ctx, known.LocalID, ev.EventID))
	_, err = s.Entities().Get(ctx, known.LocalID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testDayBucketTimeZone(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()
	ny := model.LoadLocation("America/New_York")

	// 03:30 UTC on the 10th is still the evening of the 9th in New York.
	at := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)
	e := weight(o, at, 70)
	e.TimeZone = "America/New_York"
	created, _ := mustCreate(t, s, e)
	assert.Equal(t, model.Day{Year: 2024, Month: time.March, Day: 9}, created.Day())

	got, err := s.Entities().QueryByDayBucket(ctx, o, model.KindWeight, model.Day{Year: 2024, Month: time.March, Day: 9}, ny)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Entities().QueryByDayBucket(ctx, o, model.KindWeight, model.Day{Year: 2024, Month: time.March, Day: 10}, ny)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Entities().QueryByDayBucket(ctx, o, model.KindWeight, model.Day{Year: 2024, Month: time.March, Day: 10}, time.UTC)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Entities().QueryByDayBucket(ctx, o, model.KindSteps, model.Day{Year: 2024, Month: time.March, Day: 9}, ny)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()
	_, ev1 := mustCreate(t, s, weight(o, base, 70))
	_, ev2 := mustCreate(t, s, weight(o, base.Add(time.Hour), 71))
	mustCreate(t, s, weight(o, base.Add(2*time.Hour), 72))

	_, err := s.Outbox().MarkInFlight(ctx, ev1.EventID)
	require.NoError(t, err)
	_, err = s.Outbox().MarkInFlight(ctx, ev2.EventID)
	require.NoError(t, err)
	require.NoError(t, s.Outbox().Park(ctx, ev2.EventID, 8, "gave up"))

	byStatus, err := s.Entities().CountBySyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, byStatus[model.StatusPending])
	assert.Equal(t, 1, byStatus[model.StatusSyncing])
	assert.Equal(t, 1, byStatus[model.StatusFailed])
	assert.Equal(t, 0, byStatus[model.StatusSynced])

	counts, err := s.Outbox().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.OutboxCounts{Pending: 1, InFlight: 1, Parked: 1}, counts)

	failed, err := s.Entities().QueryBySyncStatus(ctx, model.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gave up", failed[0].LastSyncError)
}

func testRequeueStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, ev := mustCreate(t, s, weight(owner(), base, 70))
	_, err := s.Outbox().MarkInFlight(ctx, ev.EventID)
	require.NoError(t, err)

	n, err := s.Outbox().RequeueStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Outbox().RequeueStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Entities().Get(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.SyncStatus)

	rev, err := s.Outbox().Get(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, rev.Status)
}

func testSyncStates(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	st, err := s.SyncStates().Get(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, o, st.OwnerID)
	assert.Zero(t, st.Version)
	assert.False(t, st.InitialSyncDone)

	st.InitialSyncDone = true
	st.LastFullSyncAt = base
	require.NoError(t, s.SyncStates().Put(ctx, st))

	got, err := s.SyncStates().Get(ctx, o)
	require.NoError(t, err)
	assert.True(t, got.InitialSyncDone)
	assert.True(t, got.LastFullSyncAt.Equal(base))

	reset, err := s.SyncStates().Reset(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, 1, reset.Version)
	assert.False(t, reset.InitialSyncDone)

	reset, err = s.SyncStates().Reset(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, 2, reset.Version)
}

func testPurgeSynced(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := owner()

	synced := weight(o, base, 70)
	synced.BackendID = "srv-p"
	_, err := s.Entities().Create(ctx, synced)
	require.NoError(t, err)
	pending, _ := mustCreate(t, s, weight(o, base.Add(time.Hour), 71))

	other := weight(owner(), base, 60)
	other.BackendID = "srv-other-owner"
	_, err = s.Entities().Create(ctx, other)
	require.NoError(t, err)

	n, err := s.Entities().PurgeSynced(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Entities().Get(ctx, pending.LocalID)
	require.NoError(t, err)
	_, err = s.Entities().GetByBackendID(ctx, "srv-other-owner")
	require.NoError(t, err)
}

func testInvalidTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, _ := mustCreate(t, s, weight(owner(), base, 70))

	err := s.Entities().SetStatus(ctx, e.LocalID, model.StatusSynced, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusPending, te.From)

	require.NoError(t, s.Entities().SetStatus(ctx, e.LocalID, model.StatusSyncing, ""))
	require.NoError(t, s.Entities().SetStatus(ctx, e.LocalID, model.StatusFailed, "x"))
	got, err := s.Entities().Get(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.SyncStatus)
}

func testConcurrentUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	e, _ := mustCreate(t, s, weight(owner(), base, 70))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := e.Clone()
			cp.Value = float64(80 + i)
			_, _, err := s.Entities().UpdateWithEvent(ctx, cp, model.EventMetadata{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.Outbox().ListByEntity(ctx, e.LocalID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
