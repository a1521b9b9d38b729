package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/model"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 8, 0, 0, 0, time.UTC) }

func w(v float64, at time.Time, src model.Source) *model.Entity {
	return &model.Entity{Kind: model.KindWeight, Value: v, OccurredAt: at, Source: src}
}

func TestResolve_Nothing(t *testing.T) {
	_, ok := Resolve(nil, nil, nil)
	assert.False(t, ok)
}

func TestResolve_SingleSourceWinsTrivially(t *testing.T) {
	r, ok := Resolve(nil, w(70, day(1), model.SourceBackend), nil)
	require.True(t, ok)
	assert.Equal(t, OriginRemote, r.WinnerOrigin)
	assert.Empty(t, r.SyncNeeded)
}

// local 74kg @ Jan 1, sensor 75kg @ Jan 15: sensor wins and local is
// scheduled for update. Adding remote 76kg @ Jan 20 makes remote win.
func TestResolve_ReconciliationScenario(t *testing.T) {
	local := w(74, day(1), model.SourceManual)
	sensor := w(75, day(15), model.SourceSensor)

	r, ok := Resolve(local, nil, sensor)
	require.True(t, ok)
	assert.Equal(t, 75.0, r.Winner.Value)
	assert.Equal(t, OriginSensor, r.WinnerOrigin)
	require.Len(t, r.SyncNeeded, 1)
	assert.Equal(t, OriginLocal, r.SyncNeeded[0].Origin)
	assert.Equal(t, 75.0, r.SyncNeeded[0].Target.Value)

	remote := w(76, day(20), model.SourceBackend)
	r, ok = Resolve(local, remote, sensor)
	require.True(t, ok)
	assert.Equal(t, 76.0, r.Winner.Value)
	assert.Equal(t, OriginRemote, r.WinnerOrigin)
	require.Len(t, r.SyncNeeded, 2)
	assert.Equal(t, OriginLocal, r.SyncNeeded[0].Origin)
	assert.Equal(t, OriginSensor, r.SyncNeeded[1].Origin)
}

// Every timestamp triple picks the strictly latest; ties go sensor > remote > local.
func TestResolve_MostRecentWinsDeterminism(t *testing.T) {
	times := []time.Time{day(1), day(2), day(3)}
	for _, lt := range times {
		for _, rt := range times {
			for _, st := range times {
				local, remote, sensor := w(1, lt, model.SourceManual), w(2, rt, model.SourceBackend), w(3, st, model.SourceSensor)
				r, ok := Resolve(local, remote, sensor)
				require.True(t, ok)

				max := lt
				for _, ts := range []time.Time{rt, st} {
					if ts.After(max) {
						max = ts
					}
				}
				var want Origin
				switch {
				case st.Equal(max):
					want = OriginSensor
				case rt.Equal(max):
					want = OriginRemote
				default:
					want = OriginLocal
				}
				assert.Equal(t, want, r.WinnerOrigin, "local=%d remote=%d sensor=%d", lt.Day(), rt.Day(), st.Day())

				again, _ := Resolve(local, remote, sensor)
				assert.Equal(t, r.WinnerOrigin, again.WinnerOrigin)

				for _, u := range r.SyncNeeded {
					assert.False(t, u.Stale.OccurredAt.After(r.Winner.OccurredAt), "never overwrite a newer value")
				}
			}
		}
	}
}

func TestResolve_TieWithSameValueNeedsNoSync(t *testing.T) {
	local := w(70, day(5), model.SourceManual)
	sensor := w(70, day(5), model.SourceSensor)
	r, ok := Resolve(local, nil, sensor)
	require.True(t, ok)
	assert.Equal(t, OriginSensor, r.WinnerOrigin)
	assert.Empty(t, r.SyncNeeded)

	local.Value = 71
	r, _ = Resolve(local, nil, sensor)
	require.Len(t, r.SyncNeeded, 1)
	assert.Equal(t, OriginLocal, r.SyncNeeded[0].Origin)
}

func TestLatest(t *testing.T) {
	a := w(1, day(2), model.SourceManual)
	a.LocalID = "a"
	b := w(2, day(2), model.SourceManual)
	b.LocalID = "b"
	b.UpdatedAt = day(3)
	gone := w(3, day(9), model.SourceManual)
	gone.Deleted = true

	assert.Nil(t, Latest(nil))
	assert.Same(t, b, Latest([]*model.Entity{a, b, gone}))
	assert.Same(t, b, Latest([]*model.Entity{b, a}))
}

func TestResolveSources_DegradesGracefully(t *testing.T) {
	denied := errors.New("sensor permission denied")
	src := Sources{
		Local:  func(context.Context) ([]*model.Entity, error) { return []*model.Entity{w(74, day(1), model.SourceManual)}, nil },
		Remote: func(context.Context) ([]*model.Entity, error) { return nil, errors.New("network down") },
		Sensor: func(context.Context) ([]*model.Entity, error) { return nil, denied },
	}
	out, err := ResolveSources(context.Background(), zerolog.Nop(), src, true)
	require.NoError(t, err)
	require.True(t, out.Found)
	assert.Equal(t, OriginLocal, out.WinnerOrigin)
	assert.Len(t, out.Errors, 2)
	assert.ErrorIs(t, out.Errors[OriginSensor], denied)
}

func TestResolveSources_NoDataRequired(t *testing.T) {
	empty := func(context.Context) ([]*model.Entity, error) { return nil, nil }
	down := func(context.Context) ([]*model.Entity, error) { return nil, errors.New("offline") }

	out, err := ResolveSources(context.Background(), zerolog.Nop(), Sources{Local: empty, Remote: down}, false)
	require.NoError(t, err)
	assert.False(t, out.Found)

	_, err = ResolveSources(context.Background(), zerolog.Nop(), Sources{Local: empty, Remote: down}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoData)
	assert.Contains(t, err.Error(), "offline")
}
