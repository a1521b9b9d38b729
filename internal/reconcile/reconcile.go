// Package reconcile picks the authoritative value among the local store, the
// backend and the device sensor: the most recent timestamp wins, ties go to
// sensor, then remote, then local.
package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// Origin names the source a view came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginSensor Origin = "sensor"
)

// priority breaks exact timestamp ties; higher wins.
func (o Origin) priority() int {
	switch o {
	case OriginSensor:
		return 3
	case OriginRemote:
		return 2
	case OriginLocal:
		return 1
	}
	return 0
}

// Update schedules a one-way propagation of the winner to a stale source.
type Update struct {
	Origin Origin
	Stale  *model.Entity
	Target *model.Entity
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Winner       *model.Entity
	WinnerOrigin Origin
	SyncNeeded   []Update
}

// Resolve returns the winning view and the stale views to update. ok is
// false when all three views are nil.
func Resolve(local, remote, sensor *model.Entity) (Resolution, bool) {
	type view struct {
		origin Origin
		e      *model.Entity
	}
	views := make([]view, 0, 3)
	for _, v := range []view{{OriginLocal, local}, {OriginRemote, remote}, {OriginSensor, sensor}} {
		if v.e != nil {
			views = append(views, v)
		}
	}
	if len(views) == 0 {
		return Resolution{}, false
	}

	win := views[0]
	for _, v := range views[1:] {
		switch {
		case v.e.OccurredAt.After(win.e.OccurredAt):
			win = v
		case v.e.OccurredAt.Equal(win.e.OccurredAt) && v.origin.priority() > win.origin.priority():
			win = v
		}
	}

	res := Resolution{Winner: win.e, WinnerOrigin: win.origin}
	for _, v := range views {
		if v.origin == win.origin || !stale(v.e, win.e) {
			continue
		}
		res.SyncNeeded = append(res.SyncNeeded, Update{Origin: v.origin, Stale: v.e, Target: win.e})
	}
	return res, true
}

// stale reports whether e must be brought in line with winner. An equally
// recent view that already agrees is left alone; a more recent one is never
// overwritten.
func stale(e, winner *model.Entity) bool {
	if e.OccurredAt.Before(winner.OccurredAt) {
		return true
	}
	return e.OccurredAt.Equal(winner.OccurredAt) && !sameMeasurement(e, winner)
}

func sameMeasurement(a, b *model.Entity) bool {
	if a.Kind.IsSession() {
		return a.StartTime.Equal(b.StartTime) && a.EndTime.Equal(b.EndTime) && a.Value == b.Value
	}
	return a.Value == b.Value
}

// Latest returns the most recent entity of a source's view, or nil. Equal
// timestamps fall back to UpdatedAt and then LocalID so the choice is stable.
func Latest(entities []*model.Entity) *model.Entity {
	var best *model.Entity
	for _, e := range entities {
		if e == nil || e.Deleted {
			continue
		}
		if best == nil || newer(e, best) {
			best = e
		}
	}
	return best
}

func newer(a, b *model.Entity) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.LocalID > b.LocalID
}

// Fetcher loads one source's view. A nil Fetcher means the source is not
// configured.
type Fetcher func(ctx context.Context) ([]*model.Entity, error)

// Sources groups the per-origin fetchers.
type Sources struct {
	Local  Fetcher
	Remote Fetcher
	Sensor Fetcher
}

// Outcome is Resolve plus per-source failures.
type Outcome struct {
	Resolution
	Found  bool
	Errors map[Origin]error
}

// ResolveSources fetches every configured source and resolves the latest
// view of each. Failing sources are skipped and reported in Errors; when no
// source produced data and requireResult is set, the error wraps
// model.ErrNoData together with the individual failures.
func ResolveSources(ctx context.Context, log zerolog.Logger, src Sources, requireResult bool) (Outcome, error) {
	out := Outcome{Errors: map[Origin]error{}}
	latest := map[Origin]*model.Entity{}
	for _, f := range []struct {
		origin Origin
		fetch  Fetcher
	}{{OriginLocal, src.Local}, {OriginRemote, src.Remote}, {OriginSensor, src.Sensor}} {
		if f.fetch == nil {
			continue
		}
		entities, err := f.fetch(ctx)
		if err != nil {
			out.Errors[f.origin] = err
			log.Warn().Err(err).Str("source", string(f.origin)).Msg("reconcile: source unavailable, continuing with the rest")
			continue
		}
		latest[f.origin] = Latest(entities)
	}

	out.Resolution, out.Found = Resolve(latest[OriginLocal], latest[OriginRemote], latest[OriginSensor])
	if !out.Found && requireResult {
		errs := []error{model.ErrNoData}
		for _, err := range out.Errors {
			errs = append(errs, err)
		}
		return out, errors.Join(errs...)
	}
	return out, nil
}
