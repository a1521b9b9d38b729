package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/reconcile"
)

// writeBackSourceID tags samples the engine writes to the device store.
const writeBackSourceID = "vitalsync"

// ReconcileRequest selects the kind and window to reconcile.
type ReconcileRequest struct {
	Kind  model.Kind
	Start time.Time
	End   time.Time // zero means now
	// Apply propagates the winner to the stale sources.
	Apply bool
	// RequireResult turns "no source has data" into model.ErrNoData.
	RequireResult bool
}

// ReconcileResult is the resolution plus the updates that were applied.
type ReconcileResult struct {
	reconcile.Outcome
	Applied []reconcile.Update
}

// Reconcile reads the latest value of a kind from the store, the backend
// and the sensor, picks the most recent, and with Apply set brings the
// stale sources in line. Backend writes go through the outbox.
func (e *Engine) Reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	if req.End.IsZero() {
		req.End = e.now()
	}
	loc := model.LoadLocation(e.cfg.DefaultTimeZone)

	src := reconcile.Sources{
		Local: func(ctx context.Context) ([]*model.Entity, error) {
			return e.store.Entities().QueryRange(ctx, e.cfg.OwnerID, req.Kind, req.Start, req.End)
		},
	}
	if e.remote != nil {
		src.Remote = func(ctx context.Context) ([]*model.Entity, error) {
			return e.remote.FetchHistory(ctx, req.Kind, req.Start, req.End)
		}
	}
	if e.sensor != nil {
		src.Sensor = func(ctx context.Context) ([]*model.Entity, error) {
			return e.sensorView(ctx, req.Kind, req.Start, req.End, loc)
		}
	}

	out, err := reconcile.ResolveSources(ctx, e.log, src, req.RequireResult)
	res := ReconcileResult{Outcome: out}
	if err != nil || !out.Found {
		return res, err
	}
	e.log.Debug().
		Str("kind", string(req.Kind)).
		Str("winner", string(out.WinnerOrigin)).
		Int("stale", len(out.SyncNeeded)).
		Msg("reconciled")
	if !req.Apply {
		return res, nil
	}

	var (
		errs       []error
		propagated bool
		perr       error
	)
	for _, u := range out.SyncNeeded {
		var err error
		switch u.Origin {
		case reconcile.OriginLocal, reconcile.OriginRemote:
			// The store and the backend converge on the same write: the winner
			// lands in the store and the outbox carries it to the backend.
			if !propagated {
				perr = e.propagate(ctx, out.WinnerOrigin, out.Winner)
				propagated = true
			}
			err = perr
		case reconcile.OriginSensor:
			var skipped bool
			skipped, err = e.applySensor(ctx, u.Target)
			if skipped {
				continue
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", u.Origin, err))
			continue
		}
		res.Applied = append(res.Applied, u)
	}
	return res, errors.Join(errs...)
}

// sensorView converts sensor data in [start, end) to entities. Sleep is
// aggregated per wake day.
func (e *Engine) sensorView(ctx context.Context, kind model.Kind, start, end time.Time, loc *time.Location) ([]*model.Entity, error) {
	if !kind.IsSession() {
		return e.sensorEntities(ctx, kind, start, end, loc)
	}
	var out []*model.Entity
	last := model.DayOf(end, loc)
	for d := model.DayOf(start, loc); !last.Before(d); d = d.AddDays(1) {
		sessions, err := e.SleepForDay(ctx, d, loc)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			out = append(out, s.ToEntity(e.cfg.OwnerID, loc))
		}
	}
	return out, nil
}

// adopt copies the measured fields of target onto a stored entity.
func adopt(stored, target *model.Entity) *model.Entity {
	next := stored.Clone()
	next.Value = target.Value
	if target.Unit != "" {
		next.Unit = target.Unit
	}
	next.OccurredAt = target.OccurredAt
	if target.TimeZone != "" {
		next.TimeZone = target.TimeZone
	}
	if stored.Kind.IsSession() {
		next.StartTime = target.StartTime
		next.EndTime = target.EndTime
		next.Stages = append([]model.Stage(nil), target.Stages...)
	}
	next.Source = target.Source
	return next
}

// propagate makes the winner known to the store, and through the outbox to
// the backend. Stored entities are only rewritten when they are the
// winner's own record; older measurements stay as they are.
func (e *Engine) propagate(ctx context.Context, origin reconcile.Origin, winner *model.Entity) error {
	switch origin {
	case reconcile.OriginLocal:
		if winner.SyncStatus != model.StatusSynced {
			e.trigger()
		}
		return nil
	case reconcile.OriginRemote:
		return e.adoptRemote(ctx, winner)
	case reconcile.OriginSensor:
		c := winner.Clone()
		c.OwnerID = e.cfg.OwnerID
		_, err := e.importCandidates(ctx, c.Kind, []*model.Entity{c}, c.OccurredAt, c.OccurredAt, false)
		return err
	}
	return fmt.Errorf("unknown origin %q", origin)
}

// adoptRemote stores a backend record locally. A record the store already
// holds under its backend id is refreshed in place unless it carries
// unsynced local changes; an unknown one is inserted as synced.
func (e *Engine) adoptRemote(ctx context.Context, rec *model.Entity) error {
	if rec.BackendID == "" {
		return fmt.Errorf("%w: backend record has no id", model.ErrValidation)
	}
	local, err := e.store.Entities().GetByBackendID(ctx, rec.BackendID)
	switch {
	case err == nil:
		if local.SyncStatus != model.StatusSynced || (e.cfg.Tolerances.SameMeasurement(local, rec) && local.OccurredAt.Equal(rec.OccurredAt)) {
			return nil
		}
		_, _, err = e.store.Entities().UpdateWithEvent(ctx, adopt(local, rec), model.EventMetadata{
			Origin: model.SourceBackend,
			Reason: "reconcile",
		})
		if err == nil {
			e.trigger()
		}
		return err
	case errors.Is(err, model.ErrNotFound):
		c := rec.Clone()
		c.OwnerID = e.cfg.OwnerID
		c.Source = model.SourceBackend
		if c.TimeZone == "" {
			c.TimeZone = e.cfg.DefaultTimeZone
		}
		_, err = e.importCandidates(ctx, c.Kind, []*model.Entity{c}, c.OccurredAt, c.OccurredAt, true)
		return err
	default:
		return err
	}
}

// applySensor writes a point value back to the device store. Sessions and
// step totals are derived from samples and are not written back.
func (e *Engine) applySensor(ctx context.Context, target *model.Entity) (bool, error) {
	if target.Kind.IsSession() || target.Kind == model.KindSteps {
		return true, nil
	}
	return false, e.sensor.SaveSample(ctx, model.Sample{
		Kind:     target.Kind,
		Value:    target.Value,
		Unit:     target.Unit,
		Start:    target.OccurredAt,
		End:      target.OccurredAt,
		SourceID: writeBackSourceID,
	})
}
