package model

import "fmt"

// SyncStatus tracks an entity's propagation to the backend.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// transitions lists the allowed forward edges. syncing→pending is taken when
// a newer local mutation was queued while the previous one was in flight;
// synced→pending only happens through a new local update.
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending: {StatusSyncing},
	StatusSyncing: {StatusSynced, StatusFailed, StatusPending},
	StatusFailed:  {StatusPending},
	StatusSynced:  {StatusPending},
}

// CanTransition reports whether the status may move from s to to. Staying in
// the same status is always allowed.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	if s == to {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	LocalID string
	From    SyncStatus
	To      SyncStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("entity %s: invalid sync status transition %s -> %s", e.LocalID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// CheckTransition returns a *TransitionError when from→to is not allowed.
func CheckTransition(localID string, from, to SyncStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return &TransitionError{LocalID: localID, From: from, To: to}
}
