package sensor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitiq/fitiq-sync/internal/model"
)

// MemoryGateway is an in-process Gateway used by tests and the dev CLI.
type MemoryGateway struct {
	mu      sync.Mutex
	samples map[model.Kind][]model.Sample
	subs    map[model.Kind][]chan Change
	denied  map[model.Kind]bool
	saved   []model.Sample
}

// NewMemoryGateway returns an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		samples: make(map[model.Kind][]model.Sample),
		subs:    make(map[model.Kind][]chan Change),
		denied:  make(map[model.Kind]bool),
	}
}

// Deny makes every call for kind fail with ErrPermissionDenied.
func (g *MemoryGateway) Deny(kind model.Kind, denied bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied[kind] = denied
}

// Add stores samples and notifies observers of their kinds.
func (g *MemoryGateway) Add(samples ...model.Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := map[model.Kind]*Change{}
	for _, s := range samples {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		g.samples[s.Kind] = append(g.samples[s.Kind], s)
		c, ok := kinds[s.Kind]
		if !ok {
			c = &Change{Kind: s.Kind}
			kinds[s.Kind] = c
		}
		c.Start, c.End = spanOf(c.Start, c.End, s)
	}
	// Sends happen under the lock so they never race the close in
	// ObserveChanges.
	now := time.Now()
	for k, c := range kinds {
		c.At = now
		for _, ch := range g.subs[k] {
			notify(ch, *c)
		}
	}
}

// notify delivers c without blocking. When the buffer is full the oldest
// queued notification is folded into c so its span is not lost. Callers hold
// the gateway lock, so no other sender competes for the freed slot.
func notify(ch chan Change, c Change) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case old := <-ch:
			if !old.Start.IsZero() {
				c.Start, c.End = spanOf(c.Start, c.End, model.Sample{Start: old.Start, End: old.End})
			}
		default:
		}
	}
}

// Saved returns the samples written through SaveSample.
func (g *MemoryGateway) Saved() []model.Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Sample(nil), g.saved...)
}

func (g *MemoryGateway) QuerySamples(ctx context.Context, kind model.Kind, p Predicate) ([]model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[kind] {
		return nil, ErrPermissionDenied
	}
	var out []model.Sample
	for _, s := range g.samples[kind] {
		if p.Matches(s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (g *MemoryGateway) ObserveChanges(ctx context.Context, kind model.Kind) (<-chan Change, error) {
	g.mu.Lock()
	if g.denied[kind] {
		g.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	ch := make(chan Change, 16)
	g.subs[kind] = append(g.subs[kind], ch)
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		defer g.mu.Unlock()
		subs := g.subs[kind]
		for i, c := range subs {
			if c == ch {
				g.subs[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (g *MemoryGateway) SaveSample(ctx context.Context, s model.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.denied[s.Kind] {
		g.mu.Unlock()
		return ErrPermissionDenied
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	g.saved = append(g.saved, s)
	g.mu.Unlock()
	g.Add(s)
	return nil
}

var _ Gateway = (*MemoryGateway)(nil)
