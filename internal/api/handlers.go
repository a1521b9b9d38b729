package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/sensor"
)

type handlers struct {
	deps Deps
}

type healthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// health answers 200 when every dependency is healthy and 503 otherwise.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if h.deps.Healthy != nil && !h.deps.Healthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if h.deps.Components != nil {
		resp.Components = h.deps.Components()
	}
	writeJSON(w, code, resp)
}

func (h *handlers) syncHealth(w http.ResponseWriter, r *http.Request) {
	sh, err := h.deps.Sync.SyncHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *handlers) drain(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox not running")
		return
	}
	h.deps.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type sessionResponse struct {
	SourceID   string        `json:"sourceId"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Minutes    float64       `json:"minutes"`
	Efficiency *float64      `json:"efficiency,omitempty"`
	Stages     []model.Stage `json:"stages"`
}

// sleep returns the sessions ending on {day}; ?tz= selects the zone.
func (h *handlers) sleep(w http.ResponseWriter, r *http.Request) {
	day, err := model.ParseDay(mux.Vars(r)["day"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loc := time.UTC
	if tz := r.URL.Query().Get("tz"); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			writeError(w, http.StatusBadRequest, "unknown time zone")
			return
		}
	}
	sessions, err := h.deps.Sync.SleepForDay(r.Context(), day, loc)
	switch {
	case errors.Is(err, sensor.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		ent := s.ToEntity("", loc)
		sr := sessionResponse{
			SourceID: s.SourceID,
			Start:    s.Start,
			End:      s.End,
			Minutes:  ent.Value,
			Stages:   ent.Stages,
		}
		if eff, ok := s.Efficiency(); ok {
			sr.Efficiency = &eff
		}
		out = append(out, sr)
	}
	writeJSON(w, http.StatusOK, out)
}
