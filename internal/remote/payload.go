package remote

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// ErrDateOnlyPayload is the validation failure for payloads that carry
// nothing beyond a date.
var ErrDateOnlyPayload = errors.New("payload has no field besides its date")

// StagePayload is one session stage on the wire.
type StagePayload struct {
	Stage string    `json:"stage"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Payload is the body sent for create and update calls.
type Payload struct {
	ClientLocalID string         `json:"clientLocalId,omitempty"`
	Type          string         `json:"type"`
	Date          string         `json:"date"`
	OccurredAt    time.Time      `json:"occurredAt"`
	TimeZone      string         `json:"timeZone,omitempty"`
	Value         *float64       `json:"value,omitempty"`
	Unit          string         `json:"unit,omitempty"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
	EndTime       *time.Time     `json:"endTime,omitempty"`
	Samples       []StagePayload `json:"samples,omitempty"`
	Source        string         `json:"source,omitempty"`
	ExternalID    string         `json:"externalId,omitempty"`
}

// PayloadFor maps an entity to its wire representation. A zero value is
// treated as absent.
func PayloadFor(e *model.Entity) Payload {
	p := Payload{
		ClientLocalID: e.LocalID,
		Type:          string(e.Kind),
		Date:          e.Day().String(),
		OccurredAt:    e.OccurredAt.UTC(),
		TimeZone:      e.TimeZone,
		Unit:          e.Unit,
		Source:        string(e.Source),
		ExternalID:    e.ExternalID,
	}
	if e.Value != 0 {
		v := e.Value
		p.Value = &v
	}
	if e.Kind.IsSession() {
		if !e.StartTime.IsZero() {
			st := e.StartTime.UTC()
			p.StartTime = &st
		}
		if !e.EndTime.IsZero() {
			et := e.EndTime.UTC()
			p.EndTime = &et
		}
		for _, s := range e.Stages {
			p.Samples = append(p.Samples, StagePayload{Stage: string(s.Kind), Start: s.Start.UTC(), End: s.End.UTC()})
		}
	}
	return p
}

// HasNonDateField reports whether the payload carries a measurement.
func (p Payload) HasNonDateField() bool {
	return p.Value != nil || p.StartTime != nil || p.EndTime != nil || len(p.Samples) > 0
}

// PayloadPolicy holds the client-side acceptance rules applied before a call.
type PayloadPolicy struct {
	RequireNonDateField bool
}

// Check returns an irrecoverable error when p violates the policy.
func (pp PayloadPolicy) Check(op string, p Payload) error {
	if pp.RequireNonDateField && !p.HasNonDateField() {
		return NewValidationError(op, ErrDateOnlyPayload)
	}
	return nil
}

// Record is the backend's answer to a create or update.
type Record struct {
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"occurredAt"`
	Echoed     json.RawMessage `json:"-"`
}

// wireRecord is the full server representation used for history pulls and
// for decoding create/update responses.
type wireRecord struct {
	ID            string         `json:"id"`
	ClientLocalID string         `json:"clientLocalId,omitempty"`
	Type          string         `json:"type"`
	Date          string         `json:"date,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
	TimeZone      string         `json:"timeZone,omitempty"`
	Value         *float64       `json:"value,omitempty"`
	Unit          string         `json:"unit,omitempty"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
	EndTime       *time.Time     `json:"endTime,omitempty"`
	Samples       []StagePayload `json:"samples,omitempty"`
	ExternalID    string         `json:"externalId,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt,omitempty"`
}

func (w wireRecord) entity() *model.Entity {
	e := &model.Entity{
		BackendID:  w.ID,
		Kind:       model.Kind(w.Type),
		Unit:       w.Unit,
		OccurredAt: w.OccurredAt,
		TimeZone:   w.TimeZone,
		Source:     model.SourceBackend,
		ExternalID: w.ExternalID,
		UpdatedAt:  w.UpdatedAt,
	}
	if w.Value != nil {
		e.Value = *w.Value
	}
	if w.StartTime != nil {
		e.StartTime = *w.StartTime
	}
	if w.EndTime != nil {
		e.EndTime = *w.EndTime
	}
	for _, s := range w.Samples {
		e.Stages = append(e.Stages, model.Stage{Kind: model.StageKind(s.Stage), Start: s.Start, End: s.End})
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.OccurredAt
	}
	return e
}
