package sensor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/model"
)

var t0 = time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)

func TestPredicate_Matches(t *testing.T) {
	p := Predicate{Start: t0, End: t0.Add(time.Hour)}
	cases := []struct {
		name string
		s    model.Sample
		want bool
	}{
		{"inside", model.Sample{Start: t0.Add(10 * time.Minute), End: t0.Add(20 * time.Minute)}, true},
		{"overlaps start", model.Sample{Start: t0.Add(-time.Hour), End: t0.Add(time.Minute)}, true},
		{"point at start", model.Sample{Start: t0}, true},
		{"point at end", model.Sample{Start: t0.Add(time.Hour)}, false},
		{"before", model.Sample{Start: t0.Add(-2 * time.Hour), End: t0.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Matches(tc.s))
		})
	}
	assert.True(t, Predicate{}.Matches(model.Sample{Start: t0}))
}

func TestMemoryGateway_QueryObserveSave(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := g.ObserveChanges(ctx, model.KindSteps)
	require.NoError(t, err)

	g.Add(model.Sample{Kind: model.KindSteps, Value: 100, Start: t0.Add(time.Hour)},
		model.Sample{Kind: model.KindSteps, Value: 50, Start: t0},
		model.Sample{Kind: model.KindWeight, Value: 70, Start: t0})

	select {
	case c := <-ch:
		assert.Equal(t, model.KindSteps, c.Kind)
		assert.True(t, c.Start.Equal(t0))
		assert.True(t, c.End.Equal(t0.Add(time.Hour)))
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	got, err := g.QuerySamples(ctx, model.KindSteps, Predicate{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 50.0, got[0].Value)
	assert.NotEmpty(t, got[0].ID)

	require.NoError(t, g.SaveSample(ctx, model.Sample{Kind: model.KindWeight, Value: 76, Start: t0.Add(time.Hour)}))
	assert.Len(t, g.Saved(), 1)
	w, err := g.QuerySamples(ctx, model.KindWeight, Predicate{})
	require.NoError(t, err)
	assert.Len(t, w, 2)

	cancel()
	for range ch {
	}
}

// An unread subscription never loses the span of an earlier notification.
func TestMemoryGateway_FullBufferKeepsSpans(t *testing.T) {
	g := NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := g.ObserveChanges(ctx, model.KindWeight)
	require.NoError(t, err)

	oldest := t0.AddDate(0, 0, -30)
	g.Add(model.Sample{Kind: model.KindWeight, Value: 70, Start: oldest})
	for i := 0; i < 40; i++ {
		g.Add(model.Sample{Kind: model.KindWeight, Value: 71, Start: t0})
	}

	earliest := t0
	for n := 0; n < 16; n++ {
		select {
		case c := <-ch:
			if c.Start.Before(earliest) {
				earliest = c.Start
			}
		default:
		}
	}
	assert.True(t, earliest.Equal(oldest))
}

func TestMemoryGateway_PermissionDenied(t *testing.T) {
	g := NewMemoryGateway()
	g.Deny(model.KindHeartRate, true)
	_, err := g.QuerySamples(context.Background(), model.KindHeartRate, Predicate{})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = g.ObserveChanges(context.Background(), model.KindHeartRate)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func writeSamples(t *testing.T, path string, samples []fileSample) {
	t.Helper()
	b, err := json.Marshal(samples)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestFileGateway_QuerySamples(t *testing.T) {
	dir := t.TempDir()
	g, err := NewFileGateway(dir, zerolog.Nop())
	require.NoError(t, err)

	writeSamples(t, filepath.Join(dir, "a.json"), []fileSample{
		{ID: "1", Kind: "sleep", Start: t0, End: t0.Add(time.Hour), Stage: "core", Source: "watch"},
		{ID: "2", Kind: "steps", Value: 10, Start: t0},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("[{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	got, err := g.QuerySamples(context.Background(), model.KindSleep, Predicate{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StageCore, got[0].Stage)
	assert.Equal(t, "watch", got[0].SourceID)

	require.NoError(t, g.SaveSample(context.Background(), model.Sample{Kind: model.KindSleep, Start: t0.Add(time.Hour), End: t0.Add(90 * time.Minute), Stage: model.StageDeep}))
	got, err = g.QuerySamples(context.Background(), model.KindSleep, Predicate{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileGateway_ObserveChanges(t *testing.T) {
	dir := t.TempDir()
	g, err := NewFileGateway(dir, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := g.ObserveChanges(ctx, model.KindWeight)
	require.NoError(t, err)

	writeSamples(t, filepath.Join(dir, "steps.json"), []fileSample{{ID: "s", Kind: "steps", Value: 1, Start: t0}})
	writeSamples(t, filepath.Join(dir, "weight.json"), []fileSample{
		{ID: "w1", Kind: "weight", Value: 70, Start: t0.AddDate(0, 0, -3)},
		{ID: "w2", Kind: "weight", Value: 71, Start: t0},
	})

	// The create event may see an empty file; the write that follows carries
	// the span of the weight samples.
	wait := time.After(2 * time.Second)
	for spanned := false; !spanned; {
		select {
		case c := <-ch:
			assert.Equal(t, model.KindWeight, c.Kind)
			if c.Start.IsZero() {
				continue
			}
			spanned = true
			assert.True(t, c.Start.Equal(t0.AddDate(0, 0, -3)))
			assert.True(t, c.End.Equal(t0))
		case <-wait:
			t.Fatal("no change notification for weight file")
		}
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
