package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/engine"
	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/sensor"
	"github.com/fitiq/fitiq-sync/internal/session"
)

type fakeSync struct {
	health   engine.SyncHealth
	err      error
	sessions []session.Session
	gotDay   model.Day
	gotLoc   *time.Location
}

func (f *fakeSync) SyncHealth(context.Context) (engine.SyncHealth, error) { return f.health, f.err }

func (f *fakeSync) SleepForDay(_ context.Context, day model.Day, loc *time.Location) ([]session.Session, error) {
	f.gotDay, f.gotLoc = day, loc
	return f.sessions, f.err
}

func serve(t *testing.T, d Deps, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	NewRouter(d).ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	healthy := true
	d := Deps{
		Sync:       &fakeSync{},
		Healthy:    func() bool { return healthy },
		Components: func() map[string]bool { return map[string]bool{"store": healthy} },
	}
	rr := serve(t, d, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.Components["store"])

	healthy = false
	rr = serve(t, d, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSyncHealth(t *testing.T) {
	fs := &fakeSync{health: engine.SyncHealth{Pending: 2, Failed: 1, Parked: 1}}
	rr := serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sync/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["pending"])
	assert.EqualValues(t, 1, body["parked"])
	assert.NotContains(t, body, "lastDrain")

	fs.err = errors.New("db closed")
	rr = serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sync/health")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDrain(t *testing.T) {
	calls := 0
	rr := serve(t, Deps{Sync: &fakeSync{}, Trigger: func() { calls++ }}, http.MethodPost, "/v1/sync/drain")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, calls)

	rr = serve(t, Deps{Sync: &fakeSync{}}, http.MethodPost, "/v1/sync/drain")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serve(t, Deps{Sync: &fakeSync{}}, http.MethodGet, "/v1/sync/drain")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSleep(t *testing.T) {
	start := time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC)
	fs := &fakeSync{sessions: []session.Session{{
		SourceID: "watch",
		Start:    start,
		End:      start.Add(8 * time.Hour),
		Samples: []model.Sample{
			{Kind: model.KindSleep, Stage: model.StageCore, Start: start, End: start.Add(8 * time.Hour), SourceID: "watch"},
		},
		Active: 8 * time.Hour,
	}}}

	rr := serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sleep/2024-03-11?tz=America/New_York")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.Day{Year: 2024, Month: time.March, Day: 11}, fs.gotDay)
	assert.Equal(t, "America/New_York", fs.gotLoc.String())

	var body []sessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, 480.0, body[0].Minutes)
	require.NotNil(t, body[0].Efficiency)
	assert.InDelta(t, 1.0, *body[0].Efficiency, 1e-9)
}

func TestSleep_BadInput(t *testing.T) {
	fs := &fakeSync{}
	assert.Equal(t, http.StatusBadRequest, serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sleep/yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sleep/2024-03-11?tz=Mars/Base").Code)

	fs.err = sensor.ErrPermissionDenied
	assert.Equal(t, http.StatusForbidden, serve(t, Deps{Sync: fs}, http.MethodGet, "/v1/sleep/2024-03-11").Code)
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotEmpty(t, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(t, Deps{Sync: &fakeSync{}}, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
}
