// Package engine is the entry point for local-first writes and reads. Local
// writes land in the store with an outbox event; reads merge the store,
// backend and sensor views.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/dedup"
	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/outbox"
	"github.com/fitiq/fitiq-sync/internal/remote"
	"github.com/fitiq/fitiq-sync/internal/sensor"
	"github.com/fitiq/fitiq-sync/internal/session"
	"github.com/fitiq/fitiq-sync/internal/store"
)

// Syncer is the slice of the outbox processor the engine drives.
type Syncer interface {
	Trigger()
	LastReport() outbox.SyncReport
}

// Config holds engine tunables.
type Config struct {
	OwnerID         string
	DefaultTimeZone string
	Tolerances      dedup.Tolerances
	Session         session.Options
	// Debounce coalesces sensor change bursts in ObserveAndSync.
	Debounce time.Duration
	// HistoryWindow bounds InitialSync's backend look-back.
	HistoryWindow time.Duration
}

// Engine coordinates the store, backend and sensor.
type Engine struct {
	store  store.Store
	remote remote.Client
	sensor sensor.Gateway
	sync   Syncer
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	// kindLocks serialise the dedup check and insert for one owner and kind.
	kindLocks [16]sync.Mutex
}

// New builds an engine. rc, sg and syncer may be nil when the collaborator
// is not configured.
func New(st store.Store, rc remote.Client, sg sensor.Gateway, syncer Syncer, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Tolerances == nil {
		cfg.Tolerances = dedup.DefaultTolerances
	}
	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = "UTC"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 90 * 24 * time.Hour
	}
	return &Engine{
		store:  st,
		remote: rc,
		sensor: sg,
		sync:   syncer,
		cfg:    cfg,
		log:    log.With().Str("component", "engine").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the engine's clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) lockFor(owner string, kind model.Kind) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(kind))
	return &e.kindLocks[h.Sum32()%uint32(len(e.kindLocks))]
}

func (e *Engine) trigger() {
	if e.sync != nil {
		e.sync.Trigger()
	}
}

// defaults fills owner, zone and source on a caller-supplied entity.
func (e *Engine) defaults(ent *model.Entity, src model.Source) *model.Entity {
	out := ent.Clone()
	if out.OwnerID == "" {
		out.OwnerID = e.cfg.OwnerID
	}
	if out.TimeZone == "" {
		out.TimeZone = e.cfg.DefaultTimeZone
	}
	if out.Source == "" {
		out.Source = src
	}
	if out.Kind.IsSession() && out.OccurredAt.IsZero() {
		out.OccurredAt = out.EndTime
	}
	return out
}

// RecordLocal stores a new measurement unless it duplicates one already
// stored for the same day. created is false when the existing entity is
// returned instead.
func (e *Engine) RecordLocal(ctx context.Context, ent *model.Entity) (*model.Entity, bool, error) {
	if ent == nil {
		return nil, false, fmt.Errorf("%w: nil entity", model.ErrValidation)
	}
	cand := e.defaults(ent, model.SourceManual)
	if cand.OwnerID == "" {
		return nil, false, fmt.Errorf("%w: owner id required", model.ErrValidation)
	}

	mu := e.lockFor(cand.OwnerID, cand.Kind)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.store.Entities().QueryByDayBucket(ctx, cand.OwnerID, cand.Kind, cand.Day(), cand.Location())
	if err != nil {
		return nil, false, fmt.Errorf("load day bucket: %w", err)
	}
	if dup := dedup.NewIndex(existing, e.cfg.Tolerances).Match(cand); dup != nil {
		e.log.Debug().
			Str("local_id", dup.LocalID).
			Str("kind", string(cand.Kind)).
			Str("source", string(cand.Source)).
			Msg("duplicate write ignored")
		return dup, false, nil
	}

	created, ev, err := e.store.Entities().CreateWithEvent(ctx, cand, model.EventMetadata{Origin: cand.Source, Reason: "local_write"})
	if err != nil {
		return nil, false, err
	}
	e.log.Debug().Str("local_id", created.LocalID).Str("event_id", ev.EventID).Str("kind", string(created.Kind)).Msg("entity recorded")
	e.trigger()
	return created, true, nil
}

// UpdateEntity stores new values for an existing entity and queues the
// matching backend write. A failed entity returns to pending.
func (e *Engine) UpdateEntity(ctx context.Context, ent *model.Entity) (*model.Entity, error) {
	if ent == nil || ent.LocalID == "" {
		return nil, fmt.Errorf("%w: local id required", model.ErrValidation)
	}
	src := ent.Source
	if src == "" {
		src = model.SourceManual
	}
	out, ev, err := e.store.Entities().UpdateWithEvent(ctx, ent, model.EventMetadata{Origin: src, Reason: "local_update"})
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("local_id", out.LocalID).Str("event_id", ev.EventID).Bool("requeued", ev.Metadata.Requeued).Msg("entity updated")
	e.trigger()
	return out, nil
}

// DeleteEntity removes an entity locally and queues the backend delete when
// the backend knows about it.
func (e *Engine) DeleteEntity(ctx context.Context, localID string) error {
	ev, err := e.store.Entities().DeleteWithEvent(ctx, localID, model.EventMetadata{Origin: model.SourceManual, Reason: "local_delete"})
	if err != nil {
		return err
	}
	if ev != nil {
		e.trigger()
	}
	return nil
}

// ImportReport summarises one import.
type ImportReport struct {
	Kind       model.Kind      `json:"kind"`
	Candidates int             `json:"candidates"`
	Created    int             `json:"created"`
	Updated    int             `json:"updated"`
	Duplicates int             `json:"duplicates"`
	Entities   []*model.Entity `json:"-"`
}

// importCandidates filters candidates against one fetch of the owner's
// stored entities in [start, end) and inserts the rest. A candidate whose
// external id is already stored with a different reading revises that
// entity in place. synced inserts backend records without queuing an
// outbox event and never revises.
func (e *Engine) importCandidates(ctx context.Context, kind model.Kind, cands []*model.Entity, start, end time.Time, synced bool) (ImportReport, error) {
	rep := ImportReport{Kind: kind, Candidates: len(cands)}
	if len(cands) == 0 {
		return rep, nil
	}

	mu := e.lockFor(e.cfg.OwnerID, kind)
	mu.Lock()
	defer mu.Unlock()

	// Day buckets are zone-local, so widen the fetch by a day on each side.
	existing, err := e.store.Entities().QueryRange(ctx, e.cfg.OwnerID, kind, start.Add(-24*time.Hour), end.Add(24*time.Hour))
	if err != nil {
		return rep, fmt.Errorf("load existing %s: %w", kind, err)
	}
	fresh, dups, revs := dedup.Partition(cands, existing, e.cfg.Tolerances)
	rep.Duplicates = len(dups)

	var errs []error
	for _, c := range fresh {
		var (
			out *model.Entity
			err error
		)
		if synced {
			out, err = e.store.Entities().Create(ctx, c)
		} else {
			out, _, err = e.store.Entities().CreateWithEvent(ctx, c, model.EventMetadata{Origin: c.Source, Reason: "import"})
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Created++
		rep.Entities = append(rep.Entities, out)
	}
	for _, r := range revs {
		if synced {
			rep.Duplicates++
			continue
		}
		out, _, err := e.store.Entities().UpdateWithEvent(ctx, adopt(r.Existing, r.Candidate), model.EventMetadata{Origin: r.Candidate.Source, Reason: "import_revision"})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Updated++
		rep.Entities = append(rep.Entities, out)
	}
	if rep.Created+rep.Updated > 0 && !synced {
		e.trigger()
	}
	e.log.Info().
		Str("kind", string(kind)).
		Int("candidates", rep.Candidates).
		Int("created", rep.Created).
		Int("updated", rep.Updated).
		Int("duplicates", rep.Duplicates).
		Msg("import finished")
	return rep, errors.Join(errs...)
}

// ImportSensor pulls the sensor's samples for day and stores the ones that
// are new. Step samples are summed into one daily total; sleep samples are
// aggregated into sessions.
func (e *Engine) ImportSensor(ctx context.Context, kind model.Kind, day model.Day, loc *time.Location) (ImportReport, error) {
	if e.sensor == nil {
		return ImportReport{Kind: kind}, errors.New("sensor gateway not configured")
	}
	if loc == nil {
		loc = model.LoadLocation(e.cfg.DefaultTimeZone)
	}
	if kind.IsSession() {
		return e.ImportSleep(ctx, day, loc)
	}
	cands, err := e.sensorEntities(ctx, kind, day.Start(loc), day.End(loc), loc)
	if err != nil {
		return ImportReport{Kind: kind}, err
	}
	return e.importCandidates(ctx, kind, cands, day.Start(loc), day.End(loc), false)
}

// sensorEntities converts the sensor's samples in [start, end) into
// candidate entities.
func (e *Engine) sensorEntities(ctx context.Context, kind model.Kind, start, end time.Time, loc *time.Location) ([]*model.Entity, error) {
	samples, err := e.sensor.QuerySamples(ctx, kind, sensor.Predicate{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("query %s samples: %w", kind, err)
	}
	if kind == model.KindSteps {
		return dailyTotals(e.cfg.OwnerID, samples, loc), nil
	}
	out := make([]*model.Entity, 0, len(samples))
	for _, s := range samples {
		at := s.End
		if at.IsZero() {
			at = s.Start
		}
		out = append(out, &model.Entity{
			OwnerID:    e.cfg.OwnerID,
			Kind:       kind,
			Value:      s.Value,
			Unit:       s.Unit,
			OccurredAt: at,
			TimeZone:   loc.String(),
			Source:     model.SourceSensor,
			ExternalID: s.ID,
			UpdatedAt:  at,
		})
	}
	return out, nil
}

// dailyTotals sums step samples per zone-local day. The total is stamped
// with the latest sample end of that day and keyed by the day, so a total
// that grows later revises the stored one.
func dailyTotals(owner string, samples []model.Sample, loc *time.Location) []*model.Entity {
	byDay := map[model.Day]*model.Entity{}
	var order []model.Day
	for _, s := range samples {
		at := s.End
		if at.IsZero() {
			at = s.Start
		}
		d := model.DayOf(at, loc)
		tot, ok := byDay[d]
		if !ok {
			tot = &model.Entity{
				OwnerID:    owner,
				Kind:       model.KindSteps,
				Unit:       s.Unit,
				TimeZone:   loc.String(),
				Source:     model.SourceSensor,
				ExternalID: stepsKey(d),
			}
			byDay[d] = tot
			order = append(order, d)
		}
		tot.Value += s.Value
		if at.After(tot.OccurredAt) {
			tot.OccurredAt = at
			tot.UpdatedAt = at
		}
	}
	out := make([]*model.Entity, 0, len(order))
	for _, d := range order {
		out = append(out, byDay[d])
	}
	return out
}

func stepsKey(d model.Day) string { return "steps:" + d.String() }

// SleepForDay returns the sleep sessions ending on day in loc. Samples are
// read from a window reaching a full day back so sessions that began the
// previous evening are complete.
func (e *Engine) SleepForDay(ctx context.Context, day model.Day, loc *time.Location) ([]session.Session, error) {
	if e.sensor == nil {
		return nil, errors.New("sensor gateway not configured")
	}
	if loc == nil {
		loc = model.LoadLocation(e.cfg.DefaultTimeZone)
	}
	start, end := session.QueryWindow(day, loc)
	samples, err := e.sensor.QuerySamples(ctx, model.KindSleep, sensor.Predicate{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("query sleep samples: %w", err)
	}
	return session.Aggregate(samples, day, loc, e.cfg.Session), nil
}

// ImportSleep stores the sessions ending on day that are not already known.
func (e *Engine) ImportSleep(ctx context.Context, day model.Day, loc *time.Location) (ImportReport, error) {
	if loc == nil {
		loc = model.LoadLocation(e.cfg.DefaultTimeZone)
	}
	sessions, err := e.SleepForDay(ctx, day, loc)
	if err != nil {
		return ImportReport{Kind: model.KindSleep}, err
	}
	cands := make([]*model.Entity, 0, len(sessions))
	for _, s := range sessions {
		cands = append(cands, s.ToEntity(e.cfg.OwnerID, loc))
	}
	return e.importCandidates(ctx, model.KindSleep, cands, day.Start(loc), day.End(loc), false)
}

// ImportRemoteHistory copies backend records of kind in [start, end) into
// the store as synced entities, skipping ones already known locally.
func (e *Engine) ImportRemoteHistory(ctx context.Context, kind model.Kind, start, end time.Time) (ImportReport, error) {
	if e.remote == nil {
		return ImportReport{Kind: kind}, errors.New("remote client not configured")
	}
	records, err := e.remote.FetchHistory(ctx, kind, start, end)
	if err != nil {
		return ImportReport{Kind: kind}, fmt.Errorf("fetch %s history: %w", kind, err)
	}

	cands := make([]*model.Entity, 0, len(records))
	known := 0
	for _, r := range records {
		if _, err := e.store.Entities().GetByBackendID(ctx, r.BackendID); err == nil {
			known++
			continue
		} else if !errors.Is(err, model.ErrNotFound) {
			return ImportReport{Kind: kind}, err
		}
		c := r.Clone()
		c.OwnerID = e.cfg.OwnerID
		c.Source = model.SourceBackend
		if c.TimeZone == "" {
			c.TimeZone = e.cfg.DefaultTimeZone
		}
		cands = append(cands, c)
	}

	rep, err := e.importCandidates(ctx, kind, cands, start, end, true)
	rep.Candidates += known
	rep.Duplicates += known
	return rep, err
}

// InitialSync imports the backend history of every kind once per owner.
// Later calls are no-ops until ResetSyncState.
func (e *Engine) InitialSync(ctx context.Context, kinds []model.Kind) (*model.SyncState, error) {
	st, err := e.store.SyncStates().Get(ctx, e.cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	if st.InitialSyncDone {
		e.log.Debug().Int("version", st.Version).Msg("initial sync already done")
		return st, nil
	}

	now := e.now()
	var errs []error
	for _, k := range kinds {
		if _, err := e.ImportRemoteHistory(ctx, k, now.Add(-e.cfg.HistoryWindow), now); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return st, errors.Join(errs...)
	}

	st.OwnerID = e.cfg.OwnerID
	st.InitialSyncDone = true
	st.LastFullSyncAt = now
	if err := e.store.SyncStates().Put(ctx, st); err != nil {
		return nil, err
	}
	e.log.Info().Int("version", st.Version).Int("kinds", len(kinds)).Msg("initial sync complete")
	return st, nil
}

// ResetSyncState forces the next InitialSync to run again. clearExisting
// also drops the owner's synced entities so they are re-imported; entities
// with unsynced local changes are kept.
func (e *Engine) ResetSyncState(ctx context.Context, clearExisting bool) (*model.SyncState, error) {
	st, err := e.store.SyncStates().Reset(ctx, e.cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	purged := 0
	if clearExisting {
		if purged, err = e.store.Entities().PurgeSynced(ctx, e.cfg.OwnerID); err != nil {
			return st, fmt.Errorf("purge synced entities: %w", err)
		}
	}
	e.log.Info().Int("version", st.Version).Bool("clear_existing", clearExisting).Int("purged", purged).Msg("sync state reset")
	return st, nil
}

// SyncHealth is the background sync signal surfaced to users.
type SyncHealth struct {
	Pending   int                `json:"pending"`
	Syncing   int                `json:"syncing"`
	Synced    int                `json:"synced"`
	Failed    int                `json:"failed"`
	Queued    int                `json:"queued"`
	InFlight  int                `json:"inFlight"`
	Parked    int                `json:"parked"`
	LastDrain *outbox.SyncReport `json:"lastDrain,omitempty"`
}

// SyncHealth reports entity and queue counts.
func (e *Engine) SyncHealth(ctx context.Context) (SyncHealth, error) {
	var h SyncHealth
	byStatus, err := e.store.Entities().CountBySyncStatus(ctx)
	if err != nil {
		return h, err
	}
	counts, err := e.store.Outbox().Counts(ctx)
	if err != nil {
		return h, err
	}
	h.Pending = byStatus[model.StatusPending]
	h.Syncing = byStatus[model.StatusSyncing]
	h.Synced = byStatus[model.StatusSynced]
	h.Failed = byStatus[model.StatusFailed]
	h.Queued = counts.Pending
	h.InFlight = counts.InFlight
	h.Parked = counts.Parked
	if e.sync != nil {
		if last := e.sync.LastReport(); !last.Started.IsZero() {
			h.LastDrain = &last
		}
	}
	return h, nil
}
