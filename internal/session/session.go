// Package session turns raw, time-ranged sensor samples into sessions (sleep
// nights) attributed to the calendar day on which they end.
package session

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// DefaultGapThreshold splits two samples into separate sessions.
const DefaultGapThreshold = 2 * time.Hour

// Options tune aggregation.
type Options struct {
	// GapThreshold: a gap at least this long between consecutive samples
	// starts a new session.
	GapThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.GapThreshold <= 0 {
		o.GapThreshold = DefaultGapThreshold
	}
	return o
}

// Session is a merged run of samples from one source.
type Session struct {
	SourceID string
	Start    time.Time
	End      time.Time
	Samples  []model.Sample
	// Active is the union of time spent in active stages.
	Active time.Duration
}

// TotalSpan is End-Start.
func (s Session) TotalSpan() time.Duration { return s.End.Sub(s.Start) }

// ActiveDuration is the time spent in active stages, overlaps counted once.
func (s Session) ActiveDuration() time.Duration { return s.Active }

// Efficiency is ActiveDuration/TotalSpan; undefined for an empty span.
func (s Session) Efficiency() (float64, bool) {
	span := s.TotalSpan()
	if span <= 0 {
		return 0, false
	}
	return float64(s.Active) / float64(span), true
}

// QueryWindow returns the sample query window for day: a full day of
// look-back before local midnight so sessions that began the previous
// evening are included.
func QueryWindow(day model.Day, loc *time.Location) (start, end time.Time) {
	return day.Start(loc).Add(-24 * time.Hour), day.End(loc)
}

// Aggregate merges samples into sessions and keeps those ending on day in
// loc. Samples with an inverted range are ignored.
func Aggregate(samples []model.Sample, day model.Day, loc *time.Location, opts Options) []Session {
	opts = opts.withDefaults()

	sorted := make([]model.Sample, 0, len(samples))
	for _, s := range samples {
		if s.End.IsZero() {
			s.End = s.Start
		}
		if s.End.Before(s.Start) {
			continue
		}
		sorted = append(sorted, s)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SourceID != sorted[j].SourceID {
			return sorted[i].SourceID < sorted[j].SourceID
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var all []Session
	var cur *Session
	for _, s := range sorted {
		if cur != nil && s.SourceID == cur.SourceID && s.Start.Sub(cur.End) < opts.GapThreshold {
			cur.Samples = append(cur.Samples, s)
			if s.End.After(cur.End) {
				cur.End = s.End
			}
			continue
		}
		if cur != nil {
			all = append(all, *cur)
		}
		cur = &Session{SourceID: s.SourceID, Start: s.Start, End: s.End, Samples: []model.Sample{s}}
	}
	if cur != nil {
		all = append(all, *cur)
	}

	var out []Session
	for _, sess := range all {
		if !day.Contains(sess.End, loc) {
			continue
		}
		sess.Active = activeUnion(sess.Samples)
		out = append(out, sess)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// activeUnion sums active-stage intervals, merging overlaps.
func activeUnion(samples []model.Sample) time.Duration {
	var spans [][2]time.Time
	for _, s := range samples {
		if s.Stage.Active() && s.End.After(s.Start) {
			spans = append(spans, [2]time.Time{s.Start, s.End})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0].Before(spans[j][0]) })

	var total time.Duration
	var curStart, curEnd time.Time
	for i, sp := range spans {
		if i == 0 || sp[0].After(curEnd) {
			if i > 0 {
				total += curEnd.Sub(curStart)
			}
			curStart, curEnd = sp[0], sp[1]
			continue
		}
		if sp[1].After(curEnd) {
			curEnd = sp[1]
		}
	}
	if len(spans) > 0 {
		total += curEnd.Sub(curStart)
	}
	return total
}

// ToEntity converts a session into a sleep entity owned by owner. Value is
// the active duration in whole minutes; OccurredAt is the session end.
func (s Session) ToEntity(owner string, loc *time.Location) *model.Entity {
	if loc == nil {
		loc = time.UTC
	}
	stages := make([]model.Stage, 0, len(s.Samples))
	for _, smp := range s.Samples {
		stages = append(stages, model.Stage{Kind: smp.Stage, Start: smp.Start, End: smp.End})
	}
	return &model.Entity{
		OwnerID:    owner,
		Kind:       model.KindSleep,
		Value:      math.Round(s.Active.Minutes()),
		Unit:       "min",
		StartTime:  s.Start,
		EndTime:    s.End,
		Stages:     stages,
		OccurredAt: s.End,
		TimeZone:   loc.String(),
		Source:     model.SourceSensor,
		ExternalID: fmt.Sprintf("%s:%d", s.SourceID, s.Start.Unix()),
	}
}
