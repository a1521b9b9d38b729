package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitiq/fitiq-sync/internal/model"
)

var at = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func weightEntity() *model.Entity {
	return &model.Entity{
		LocalID:    "local-1",
		OwnerID:    "u1",
		Kind:       model.KindWeight,
		Value:      75,
		Unit:       "kg",
		OccurredAt: at,
		TimeZone:   "UTC",
		Source:     model.SourceSensor,
	}
}

func newClient(t *testing.T, h http.Handler, policy PayloadPolicy) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second, Policy: policy, Logger: zerolog.Nop()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_CreateSendsPayloadAndReturnsServerID(t *testing.T) {
	var (
		mu         sync.Mutex
		got        Payload
		idem, auth string
		path       string
	)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.Method + " " + r.URL.Path
		idem = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv-42", "occurredAt": at, "value": 75})
	}), PayloadPolicy{RequireNonDateField: true})

	rec, err := c.Create(context.Background(), weightEntity())
	require.NoError(t, err)
	assert.Equal(t, "srv-42", rec.ID)
	assert.True(t, rec.OccurredAt.Equal(at))
	assert.Contains(t, string(rec.Echoed), `"value":75`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "POST "+progressPath, path)
	assert.Equal(t, "local-1", idem)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "weight", got.Type)
	assert.Equal(t, "2024-01-15", got.Date)
	require.NotNil(t, got.Value)
	assert.Equal(t, 75.0, *got.Value)
	assert.Equal(t, "local-1", got.ClientLocalID)
}

func TestHTTPClient_CreateAcceptsWrappedRecord(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "srv-7"}})
	}), PayloadPolicy{})

	rec, err := c.Create(context.Background(), weightEntity())
	require.NoError(t, err)
	assert.Equal(t, "srv-7", rec.ID)
}

func TestHTTPClient_CreateWithoutIDYieldsEmptyRecord(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}), PayloadPolicy{})

	rec, err := c.Create(context.Background(), weightEntity())
	require.NoError(t, err)
	assert.Empty(t, rec.ID)
	assert.Equal(t, "ok", string(rec.Echoed))
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status        int
		irrecoverable bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}), PayloadPolicy{})

			_, err := c.Create(context.Background(), weightEntity())
			require.Error(t, err)
			assert.Equal(t, tc.irrecoverable, IsIrrecoverable(err))
			assert.Equal(t, tc.status, StatusCode(err))
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Contains(t, ce.Body, "nope")
		})
	}
}

func TestHTTPClient_NetworkErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(Options{BaseURL: url, Timeout: time.Second, Logger: zerolog.Nop()})
	_, err := c.Create(context.Background(), weightEntity())
	require.Error(t, err)
	assert.False(t, IsIrrecoverable(err))
	assert.Zero(t, StatusCode(err))
}

func TestHTTPClient_DateOnlyPayloadRejectedBeforeSend(t *testing.T) {
	var hits int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv-1"})
	}), PayloadPolicy{RequireNonDateField: true})

	e := weightEntity()
	e.Value = 0
	_, err := c.Create(context.Background(), e)
	require.Error(t, err)
	assert.True(t, IsIrrecoverable(err))
	assert.ErrorIs(t, err, ErrDateOnlyPayload)
	assert.Zero(t, atomic.LoadInt32(&hits))

	// With the policy off the payload goes out and the backend decides.
	c.policy = PayloadPolicy{}
	rec, err := c.Create(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.ID)
}

func TestHTTPClient_UpdateAndDelete(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if r.URL.Path == progressPath+"/gone" {
				http.Error(w, "missing", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}), PayloadPolicy{})

	rec, err := c.Update(context.Background(), "srv-5", weightEntity())
	require.NoError(t, err)
	assert.Equal(t, "srv-5", rec.ID)

	require.NoError(t, c.Delete(context.Background(), "srv-5"))
	err = c.Delete(context.Background(), "gone")
	assert.True(t, IsNotFound(err))

	mu.Lock()
	assert.Equal(t, []string{"PUT /api/v1/progress/srv-5", "DELETE /api/v1/progress/srv-5", "DELETE /api/v1/progress/gone"}, methods)
	mu.Unlock()

	_, err = c.Update(context.Background(), "", weightEntity())
	assert.True(t, IsIrrecoverable(err))
}

func TestHTTPClient_FetchHistoryFollowsCursor(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") != "sleep" || q.Get("from") != "2024-01-01T00:00:00Z" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if q.Get("cursor") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"id": "srv-1", "type": "sleep", "occurredAt": at, "value": 480,
					"startTime": at.Add(-8 * time.Hour), "endTime": at,
					"samples": []map[string]any{{"stage": "deep", "start": at.Add(-8 * time.Hour), "end": at}},
				}},
				"nextCursor": "p2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{{"id": "srv-2", "occurredAt": at.Add(time.Hour)}, {"occurredAt": at}}})
	}), PayloadPolicy{})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.FetchHistory(context.Background(), model.KindSleep, start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "srv-1", got[0].BackendID)
	assert.Equal(t, model.SourceBackend, got[0].Source)
	assert.Equal(t, 480.0, got[0].Value)
	require.Len(t, got[0].Stages, 1)
	assert.Equal(t, model.StageDeep, got[0].Stages[0].Kind)
	assert.Equal(t, model.KindSleep, got[1].Kind)
	assert.True(t, got[1].UpdatedAt.Equal(at.Add(time.Hour)))
}

func TestHTTPClient_Ping(t *testing.T) {
	healthy := int32(1)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != healthPath || atomic.LoadInt32(&healthy) == 0 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), PayloadPolicy{})

	require.NoError(t, c.Ping(context.Background()))
	atomic.StoreInt32(&healthy, 0)
	assert.Error(t, c.Ping(context.Background()))
}

func TestPayloadFor_Session(t *testing.T) {
	e := &model.Entity{
		LocalID:    "l",
		Kind:       model.KindSleep,
		StartTime:  at.Add(-8 * time.Hour),
		EndTime:    at,
		OccurredAt: at,
		Stages:     []model.Stage{{Kind: model.StageREM, Start: at.Add(-time.Hour), End: at}},
	}
	p := PayloadFor(e)
	assert.True(t, p.HasNonDateField())
	require.Len(t, p.Samples, 1)
	assert.Equal(t, "rem", p.Samples[0].Stage)
	assert.Nil(t, p.Value)

	assert.NoError(t, PayloadPolicy{RequireNonDateField: true}.Check("create", p))
}
