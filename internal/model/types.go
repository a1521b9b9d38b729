package model

import (
	"time"
)

// Kind is the category of a health measurement.
type Kind string

const (
	KindWeight    Kind = "weight"
	KindSteps     Kind = "steps"
	KindHeartRate Kind = "heart_rate"
	KindSleep     Kind = "sleep"
)

// Kinds lists every known kind.
var Kinds = []Kind{KindWeight, KindSteps, KindHeartRate, KindSleep}

// IsSession reports whether entities of this kind span a time range
// (start/end plus stages) instead of being a point measurement.
func (k Kind) IsSession() bool { return k == KindSleep }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWeight, KindSteps, KindHeartRate, KindSleep:
		return true
	}
	return false
}

// Source identifies the collaborator that produced a value.
type Source string

const (
	SourceSensor  Source = "sensor"
	SourceBackend Source = "backend"
	SourceManual  Source = "manual"
)

// StageKind classifies a sub-interval of a session.
type StageKind string

const (
	StageInBed  StageKind = "in_bed"
	StageAwake  StageKind = "awake"
	StageAsleep StageKind = "asleep"
	StageCore   StageKind = "core"
	StageDeep   StageKind = "deep"
	StageREM    StageKind = "rem"
)

// Active reports whether time spent in the stage counts as actual sleep.
func (s StageKind) Active() bool {
	switch s {
	case StageAsleep, StageCore, StageDeep, StageREM:
		return true
	}
	return false
}

// Stage is one flagged sub-interval of a session.
type Stage struct {
	Kind  StageKind `json:"kind"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End-Start, or zero for inverted intervals.
func (s Stage) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Entity is a single logical health record as held by the local store.
//
// LocalID is owned by the store and is never sent as the remote identity.
// BackendID is empty until the outbox has synced the entity, and is never
// reassigned afterwards.
type Entity struct {
	LocalID   string
	BackendID string
	OwnerID   string
	Kind      Kind

	// Point measurements.
	Value float64
	Unit  string

	// Session measurements. OccurredAt equals EndTime for sessions.
	StartTime time.Time
	EndTime   time.Time
	Stages    []Stage

	OccurredAt time.Time
	TimeZone   string

	SyncStatus    SyncStatus
	Source        Source
	ExternalID    string
	LastSyncError string
	Deleted       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location returns the entity's time zone, falling back to UTC when the zone
// is empty or unknown.
func (e *Entity) Location() *time.Location {
	return LoadLocation(e.TimeZone)
}

// Day returns the calendar day the entity is attributed to, evaluated in the
// entity's own time zone.
func (e *Entity) Day() Day {
	return DayOf(e.OccurredAt, e.Location())
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.Stages != nil {
		out.Stages = append([]Stage(nil), e.Stages...)
	}
	return &out
}

// Operation is the mutation an outbox event propagates to the backend.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EventStatus is the lifecycle state of an outbox event.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventInFlight EventStatus = "in_flight"
	// EventParked events exhausted their retries or failed permanently. They
	// are kept for visibility and are only revived by a later local update.
	EventParked EventStatus = "parked"
)

// EventMetadata is the typed metadata carried by an outbox event. Only
// primitive values are allowed so it always serializes.
type EventMetadata struct {
	Origin        Source   `json:"origin,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	FieldsChanged []string `json:"fieldsChanged,omitempty"`
	Requeued      bool     `json:"requeued,omitempty"`
}

// OutboxEvent is a durable pending mutation. It references its entity by
// local id and never owns the entity's lifecycle.
type OutboxEvent struct {
	EventID       string
	Seq           int64
	EntityLocalID string
	Kind          Kind
	Operation     Operation
	Status        EventStatus
	CreatedAt     time.Time
	AttemptCount  int
	LastError     string
	NextAttemptAt time.Time
	Metadata      EventMetadata
}

// Sample is a raw time-ranged value supplied by the sensor gateway.
type Sample struct {
	ID    string
	Kind  Kind
	Value float64
	Unit  string
	Start time.Time
	End   time.Time
	Stage StageKind
	// SourceID names the originating device or app; sessions never merge
	// samples across sources.
	SourceID string
}

// SyncState is the per-owner sync bookkeeping record.
type SyncState struct {
	OwnerID         string
	InitialSyncDone bool
	Version         int
	LastFullSyncAt  time.Time
	UpdatedAt       time.Time
}
