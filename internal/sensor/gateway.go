// Package sensor adapts device health data sources. The gateway supplies
// raw samples and change notifications; it makes no promise that sample
// timestamps are monotonic with the local clock.
package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// ErrPermissionDenied is returned when the user has not granted access to a kind.
var ErrPermissionDenied = errors.New("sensor permission denied")

// Predicate bounds a sample query to [Start, End). Zero bounds are open.
type Predicate struct {
	Start time.Time
	End   time.Time
}

// Matches reports whether s overlaps the predicate window.
func (p Predicate) Matches(s model.Sample) bool {
	end := s.End
	if end.IsZero() {
		end = s.Start
	}
	if !p.End.IsZero() && !s.Start.Before(p.End) {
		return false
	}
	if !p.Start.IsZero() && end.Before(p.Start) {
		return false
	}
	return true
}

// Change notifies that samples of Kind were added or modified. It is a hint
// to re-query; it carries no sample data. Start and End bound the changed
// samples when the gateway knows them; both are zero otherwise.
type Change struct {
	Kind  model.Kind
	At    time.Time
	Start time.Time
	End   time.Time
}

// spanOf widens [start, end] to cover s.
func spanOf(start, end time.Time, s model.Sample) (time.Time, time.Time) {
	last := s.End
	if last.IsZero() {
		last = s.Start
	}
	if start.IsZero() || s.Start.Before(start) {
		start = s.Start
	}
	if end.IsZero() || last.After(end) {
		end = last
	}
	return start, end
}

// Gateway is the device health data collaborator.
type Gateway interface {
	QuerySamples(ctx context.Context, kind model.Kind, p Predicate) ([]model.Sample, error)
	// ObserveChanges streams change notifications until ctx ends, then closes
	// the channel.
	ObserveChanges(ctx context.Context, kind model.Kind) (<-chan Change, error)
	// SaveSample writes a value back to the device store.
	SaveSample(ctx context.Context, s model.Sample) error
}
