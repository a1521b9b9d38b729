// Package watch coalesces bursts of sensor change notifications.
package watch

import (
	"context"
	"time"

	"github.com/fitiq/fitiq-sync/internal/sensor"
)

// MaxSpans caps the spans a batch keeps; further ones widen the last span.
const MaxSpans = 32

// mergeGap joins spans closer than a day, since imports work per day anyway.
const mergeGap = 24 * time.Hour

// Span is a sample time range touched by a batch.
type Span struct {
	Start time.Time
	End   time.Time
}

func (s Span) near(o Span) bool {
	return !o.Start.After(s.End.Add(mergeGap)) && !s.Start.After(o.End.Add(mergeGap))
}

func (s Span) union(o Span) Span {
	if o.Start.Before(s.Start) {
		s.Start = o.Start
	}
	if o.End.After(s.End) {
		s.End = o.End
	}
	return s
}

// spanFor is the change's sample span. A change without one covers the day
// before its notification as well, so late-arriving samples are not missed.
func spanFor(c sensor.Change) Span {
	if !c.Start.IsZero() {
		end := c.End
		if end.IsZero() {
			end = c.Start
		}
		return Span{Start: c.Start, End: end}
	}
	return Span{Start: c.At.Add(-24 * time.Hour), End: c.At}
}

// Batch is a set of coalesced change notifications. Its size is bounded no
// matter how many notifications it absorbed.
type Batch struct {
	Count int
	Spans []Span
	First time.Time
	Last  time.Time
}

func (b *Batch) addSpan(sp Span) {
	for i := range b.Spans {
		if b.Spans[i].near(sp) {
			b.Spans[i] = b.Spans[i].union(sp)
			return
		}
	}
	if len(b.Spans) >= MaxSpans {
		last := len(b.Spans) - 1
		b.Spans[last] = b.Spans[last].union(sp)
		return
	}
	b.Spans = append(b.Spans, sp)
}

func (b *Batch) add(c sensor.Change) {
	if b.Count == 0 {
		b.First = c.At
	}
	b.Count++
	b.Last = c.At
	b.addSpan(spanFor(c))
}

// Debounce coalesces notifications from in into batches. A batch is emitted
// once no new notification arrived for window. Notifications are never
// dropped: while the consumer is slow they keep folding into the pending
// batch. The output channel is closed after in closes (flushing the pending
// batch) or ctx ends.
func Debounce(ctx context.Context, in <-chan sensor.Change, window time.Duration) <-chan Batch {
	out := make(chan Batch, 1)
	go func() {
		defer close(out)

		var (
			pending *Batch
			ready   *Batch
			timer   *time.Timer
			timerC  <-chan time.Time
		)
		stopTimer := func() {
			if timer != nil {
				timer.Stop()
			}
			timer, timerC = nil, nil
		}
		defer stopTimer()

		for {
			// Only offer a batch to the consumer once the quiet period elapsed.
			var outCh chan<- Batch
			var next Batch
			if ready != nil {
				outCh = out
				next = *ready
			}

			select {
			case <-ctx.Done():
				return

			case c, ok := <-in:
				if !ok {
					flush := merge(ready, pending)
					if flush != nil {
						select {
						case out <- *flush:
						case <-ctx.Done():
						}
					}
					return
				}
				if pending == nil {
					pending = &Batch{}
				}
				pending.add(c)
				stopTimer()
				timer = time.NewTimer(window)
				timerC = timer.C

			case <-timerC:
				timer, timerC = nil, nil
				ready = merge(ready, pending)
				pending = nil

			case outCh <- next:
				ready = nil
			}
		}
	}()
	return out
}

func merge(a, b *Batch) *Batch {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	out := &Batch{Count: a.Count + b.Count, First: a.First, Last: b.Last}
	out.Spans = append(out.Spans, a.Spans...)
	for _, sp := range b.Spans {
		out.addSpan(sp)
	}
	return out
}
