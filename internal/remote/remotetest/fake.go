// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/remote"
)

// Call records one invocation of the fake.
type Call struct {
	Op        string
	BackendID string
	LocalID   string
	Value     float64
}

// Fake is a concurrency-safe in-memory backend. Hooks run before the default
// behaviour and may return an error to fail the call.
type Fake struct {
	mu      sync.Mutex
	seq     int
	records map[string]*model.Entity
	calls   []Call

	Policy remote.PayloadPolicy

	// OnCall, when set, may fail a call or override the returned id.
	OnCall func(op string, e *model.Entity) (id string, err error)
	// Delay simulates latency; the call honours ctx while waiting.
	Delay time.Duration
	// HistoryErr fails FetchHistory.
	HistoryErr error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{records: make(map[string]*model.Entity)}
}

// Seed stores a backend record as if another device had written it.
func (f *Fake) Seed(e *model.Entity) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := e.Clone()
	if cp.BackendID == "" {
		f.seq++
		cp.BackendID = fmt.Sprintf("srv-%d", f.seq)
	}
	cp.Source = model.SourceBackend
	f.records[cp.BackendID] = cp
	return cp.BackendID
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many calls of op were made ("" counts all).
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Record returns the stored backend record for id.
func (f *Fake) Record(id string) (*model.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.records[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Len returns the number of stored records.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return remote.NewNetworkError("fake", ctx.Err())
	}
}

func (f *Fake) hook(op string, e *model.Entity) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, BackendID: e.BackendID, LocalID: e.LocalID, Value: e.Value})
	fn := f.OnCall
	f.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(op, e)
}

func (f *Fake) Create(ctx context.Context, e *model.Entity) (*remote.Record, error) {
	if err := f.Policy.Check("create", remote.PayloadFor(e)); err != nil {
		return nil, err
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	id, err := f.hook("create", e)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		f.seq++
		id = fmt.Sprintf("srv-%d", f.seq)
	}
	cp := e.Clone()
	cp.BackendID = id
	f.records[id] = cp
	return &remote.Record{ID: id, OccurredAt: e.OccurredAt}, nil
}

func (f *Fake) Update(ctx context.Context, backendID string, e *model.Entity) (*remote.Record, error) {
	if err := f.Policy.Check("update", remote.PayloadFor(e)); err != nil {
		return nil, err
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	cp := e.Clone()
	cp.BackendID = backendID
	id, err := f.hook("update", cp)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[backendID]; !ok {
		return nil, remote.NewHTTPError(http.StatusNotFound, "", "update")
	}
	f.records[backendID] = cp
	if id == "" {
		id = backendID
	}
	return &remote.Record{ID: id, OccurredAt: e.OccurredAt}, nil
}

func (f *Fake) Delete(ctx context.Context, backendID string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	if _, err := f.hook("delete", &model.Entity{BackendID: backendID}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[backendID]; !ok {
		return remote.NewHTTPError(http.StatusNotFound, "", "delete")
	}
	delete(f.records, backendID)
	return nil
}

func (f *Fake) FetchHistory(ctx context.Context, kind model.Kind, start, end time.Time) ([]*model.Entity, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "history"})
	herr := f.HistoryErr
	f.mu.Unlock()
	if herr != nil {
		return nil, herr
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Entity
	for _, e := range f.records {
		if e.Kind != kind || e.OccurredAt.Before(start) || !e.OccurredAt.Before(end) {
			continue
		}
		cp := e.Clone()
		cp.LocalID = ""
		cp.OwnerID = ""
		cp.Source = model.SourceBackend
		cp.SyncStatus = ""
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = cp.OccurredAt
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

var _ remote.Client = (*Fake)(nil)
