// Package api serves the worker's status surface: liveness, sync health,
// manual drain triggers, sleep summaries and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitiq/fitiq-sync/internal/engine"
	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/session"
)

// SyncService is the slice of the engine the status API reads.
type SyncService interface {
	SyncHealth(ctx context.Context) (engine.SyncHealth, error)
	SleepForDay(ctx context.Context, day model.Day, loc *time.Location) ([]session.Session, error)
}

// Deps wires the router.
type Deps struct {
	Sync    SyncService
	Trigger func()
	// Healthy and Components report cached dependency health.
	Healthy    func() bool
	Components func() map[string]bool
}

// NewRouter builds the status router.
func NewRouter(d Deps) *mux.Router {
	h := &handlers{deps: d}
	r := mux.NewRouter()
	r.Use(Recover)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync/health", h.syncHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync/drain", h.drain).Methods(http.MethodPost)
	r.HandleFunc("/v1/sleep/{day}", h.sleep).Methods(http.MethodGet)
	return r
}
