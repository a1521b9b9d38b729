// Package dedup decides whether a candidate record duplicates one already
// stored. Matching is pure: callers fetch the existing set once and reuse
// it for every candidate.
package dedup

import (
	"math"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// Tolerances maps a kind to the largest value difference still considered a
// duplicate. Zero means exact match.
type Tolerances map[model.Kind]float64

// DefaultTolerances: 0.01 kg for weight, exact daily step totals, half a
// beat for heart rate, one minute for sleep duration.
var DefaultTolerances = Tolerances{
	model.KindWeight:    0.01,
	model.KindSteps:     0,
	model.KindHeartRate: 0.5,
	model.KindSleep:     1,
}

const epsilon = 1e-9

// Within reports whether a and b differ by less than the kind's tolerance.
// A zero tolerance requires equal values.
func (t Tolerances) Within(kind model.Kind, a, b float64) bool {
	tol := t[kind]
	d := math.Abs(a - b)
	if tol == 0 {
		return d <= epsilon
	}
	return d < tol-epsilon
}

type bucketKey struct {
	owner string
	kind  model.Kind
	day   model.Day
}

type externalKey struct {
	owner  string
	kind   model.Kind
	source model.Source
	extID  string
}

// Index buckets an existing set by owner, kind and time-zone-local day.
type Index struct {
	tol      Tolerances
	buckets  map[bucketKey][]*model.Entity
	external map[externalKey]*model.Entity
}

// NewIndex builds an index over existing. A nil tolerance map uses DefaultTolerances.
func NewIndex(existing []*model.Entity, tol Tolerances) *Index {
	if tol == nil {
		tol = DefaultTolerances
	}
	ix := &Index{
		tol:      tol,
		buckets:  make(map[bucketKey][]*model.Entity),
		external: make(map[externalKey]*model.Entity),
	}
	for _, e := range existing {
		ix.Add(e)
	}
	return ix
}

// Add inserts e so later candidates in the same batch see it.
func (ix *Index) Add(e *model.Entity) {
	if e == nil || e.Deleted {
		return
	}
	k := bucketKey{owner: e.OwnerID, kind: e.Kind, day: e.Day()}
	ix.buckets[k] = append(ix.buckets[k], e)
	if e.ExternalID != "" {
		ix.external[externalKey{owner: e.OwnerID, kind: e.Kind, source: e.Source, extID: e.ExternalID}] = e
	}
}

// Match returns the existing entity candidate duplicates, or nil.
func (ix *Index) Match(candidate *model.Entity) *model.Entity {
	if candidate == nil {
		return nil
	}
	if candidate.ExternalID != "" {
		if e, ok := ix.external[externalKey{owner: candidate.OwnerID, kind: candidate.Kind, source: candidate.Source, extID: candidate.ExternalID}]; ok {
			return e
		}
	}
	k := bucketKey{owner: candidate.OwnerID, kind: candidate.Kind, day: candidate.Day()}
	for _, e := range ix.buckets[k] {
		if ix.tol.Within(candidate.Kind, candidate.Value, e.Value) {
			return e
		}
	}
	return nil
}

// Keyed returns the existing entity sharing candidate's source and external
// id, or nil.
func (ix *Index) Keyed(candidate *model.Entity) *model.Entity {
	if candidate == nil || candidate.ExternalID == "" {
		return nil
	}
	return ix.external[externalKey{owner: candidate.OwnerID, kind: candidate.Kind, source: candidate.Source, extID: candidate.ExternalID}]
}

// Replace swaps old for next in the index.
func (ix *Index) Replace(old, next *model.Entity) {
	k := bucketKey{owner: old.OwnerID, kind: old.Kind, day: old.Day()}
	b := ix.buckets[k]
	for i, e := range b {
		if e == old {
			ix.buckets[k] = append(b[:i:i], b[i+1:]...)
			break
		}
	}
	if old.ExternalID != "" {
		delete(ix.external, externalKey{owner: old.OwnerID, kind: old.Kind, source: old.Source, extID: old.ExternalID})
	}
	ix.Add(next)
}

// SameMeasurement reports whether a and b carry the same reading: values
// within tolerance and, for sessions, the same span.
func (t Tolerances) SameMeasurement(a, b *model.Entity) bool {
	if a.Kind.IsSession() && (!a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime)) {
		return false
	}
	return t.Within(a.Kind, a.Value, b.Value)
}

// Revision pairs a stored entity with a candidate that carries the same
// external id but a different reading.
type Revision struct {
	Existing  *model.Entity
	Candidate *model.Entity
}

// Partition is Filter with revisions split out: a candidate whose external
// id is already stored is a duplicate when the reading agrees and a
// revision of the stored entity when it does not.
func Partition(candidates, existing []*model.Entity, tol Tolerances) (fresh, dups []*model.Entity, revs []Revision) {
	ix := NewIndex(existing, tol)
	for _, c := range candidates {
		if prev := ix.Keyed(c); prev != nil {
			if ix.tol.SameMeasurement(prev, c) {
				dups = append(dups, c)
				continue
			}
			revs = append(revs, Revision{Existing: prev, Candidate: c})
			ix.Replace(prev, c)
			continue
		}
		if ix.Match(c) != nil {
			dups = append(dups, c)
			continue
		}
		ix.Add(c)
		fresh = append(fresh, c)
	}
	return fresh, dups, revs
}

// IsDuplicate reports whether candidate duplicates any entity in existing.
func IsDuplicate(candidate *model.Entity, existing []*model.Entity) bool {
	return NewIndex(existing, nil).Match(candidate) != nil
}

// Filter splits candidates into new and duplicate ones against existing,
// treating earlier accepted candidates as existing for later ones.
func Filter(candidates, existing []*model.Entity, tol Tolerances) (fresh, dups []*model.Entity) {
	ix := NewIndex(existing, tol)
	for _, c := range candidates {
		if ix.Match(c) != nil {
			dups = append(dups, c)
			continue
		}
		ix.Add(c)
		fresh = append(fresh, c)
	}
	return fresh, dups
}
