// Package remote talks to the backend progress API.
package remote

import (
	"context"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// Client is the backend collaborator used by the outbox and history import.
// Failures are *ClassifiedError values so callers can tell transient from
// permanent errors.
type Client interface {
	Create(ctx context.Context, e *model.Entity) (*Record, error)
	Update(ctx context.Context, backendID string, e *model.Entity) (*Record, error)
	Delete(ctx context.Context, backendID string) error
	// FetchHistory returns backend records with BackendID set and Source
	// backend. OwnerID is left for the caller.
	FetchHistory(ctx context.Context, kind model.Kind, start, end time.Time) ([]*model.Entity, error)
}
