package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/sensor"
)

func recv(t *testing.T, ch <-chan Batch, within time.Duration) Batch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "channel closed")
		return b
	case <-time.After(within):
		t.Fatal("timed out waiting for batch")
	}
	return Batch{}
}

func TestDebounce_CoalescesBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan sensor.Change)
	out := Debounce(ctx, in, 30*time.Millisecond)

	now := time.Now()
	for i := 0; i < 5; i++ {
		in <- sensor.Change{Kind: model.KindSteps, At: now.Add(time.Duration(i) * time.Millisecond)}
	}
	b := recv(t, out, time.Second)
	assert.Equal(t, 5, b.Count)
	require.Len(t, b.Spans, 1)
	assert.True(t, b.Spans[0].Start.Equal(now.Add(-24*time.Hour)))
	assert.True(t, b.First.Equal(now))
	assert.True(t, b.Last.Equal(now.Add(4*time.Millisecond)))

	select {
	case extra := <-out:
		t.Fatalf("unexpected second batch: %+v", extra)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDebounce_SeparatedBurstsYieldSeparateBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan sensor.Change)
	out := Debounce(ctx, in, 10*time.Millisecond)

	in <- sensor.Change{Kind: model.KindWeight, At: time.Now()}
	first := recv(t, out, time.Second)
	in <- sensor.Change{Kind: model.KindWeight, At: time.Now()}
	second := recv(t, out, time.Second)

	assert.Equal(t, 1, first.Count)
	assert.Equal(t, 1, second.Count)
}

// A slow consumer still sees every notification.
func TestDebounce_SlowConsumerLosesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan sensor.Change)
	out := Debounce(ctx, in, 5*time.Millisecond)

	total := 0
	for i := 0; i < 3; i++ {
		in <- sensor.Change{Kind: model.KindSleep, At: time.Now()}
		time.Sleep(20 * time.Millisecond)
	}
	close(in)
	for b := range out {
		total += b.Count
	}
	assert.Equal(t, 3, total)
}

func TestDebounce_FlushesOnClose(t *testing.T) {
	in := make(chan sensor.Change, 2)
	out := Debounce(context.Background(), in, time.Hour)

	in <- sensor.Change{Kind: model.KindSteps}
	in <- sensor.Change{Kind: model.KindSteps}
	close(in)

	b := recv(t, out, time.Second)
	assert.Equal(t, 2, b.Count)
	_, ok := <-out
	assert.False(t, ok)
}

func TestDebounce_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := Debounce(ctx, make(chan sensor.Change), time.Hour)
	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestDebounce_SpansStayBounded(t *testing.T) {
	in := make(chan sensor.Change, 3*MaxSpans)
	out := Debounce(context.Background(), in, time.Hour)

	base := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	// Same-day samples share a span.
	in <- sensor.Change{Kind: model.KindWeight, At: base, Start: base, End: base}
	in <- sensor.Change{Kind: model.KindWeight, At: base, Start: base.Add(time.Hour), End: base.Add(time.Hour)}
	// Weekly samples far apart each start a span until the cap is reached.
	for i := 1; i < 2*MaxSpans; i++ {
		at := base.AddDate(0, 0, -7*i)
		in <- sensor.Change{Kind: model.KindWeight, At: base, Start: at, End: at}
	}
	close(in)

	b := recv(t, out, time.Second)
	assert.Equal(t, 2*MaxSpans+1, b.Count)
	require.Len(t, b.Spans, MaxSpans)
	assert.True(t, b.Spans[0].Start.Equal(base))
	assert.True(t, b.Spans[0].End.Equal(base.Add(time.Hour)))
	last := b.Spans[MaxSpans-1]
	assert.True(t, last.Start.Equal(base.AddDate(0, 0, -7*(2*MaxSpans-1))))
}
