package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeChecker struct {
	name    string
	healthy atomic.Int32
}

func (f *fakeChecker) Name() string                               { return f.name }
func (f *fakeChecker) IsHealthy() bool                            { return f.healthy.Load() == 1 }
func (f *fakeChecker) Start(ctx context.Context, _ time.Duration) { /* no-op */ }

func TestServiceHealthChecker_Transitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeChecker{name: "store"}
	b := &fakeChecker{name: "backend"}
	a.healthy.Store(1)
	b.healthy.Store(1)

	svc := NewServiceHealthChecker(zerolog.Nop(), a, b)
	go svc.Start(ctx, 10*time.Millisecond)

	waitTrue(t, func() bool { return svc.IsHealthy() })

	b.healthy.Store(0)
	waitTrue(t, func() bool { return !svc.IsHealthy() })
	assert.Equal(t, map[string]bool{"store": true, "backend": false}, svc.Components())

	b.healthy.Store(1)
	waitTrue(t, func() bool { return svc.IsHealthy() })
}

func TestPingChecker_FollowsTarget(t *testing.T) {
	var failing atomic.Bool
	c := NewPingChecker("store", PingFunc(func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	}), zerolog.Nop(), time.Second)

	assert.False(t, c.IsHealthy())
	assert.True(t, c.Check(context.Background()))
	assert.True(t, c.IsHealthy())

	failing.Store(true)
	assert.False(t, c.Check(context.Background()))
	assert.False(t, c.IsHealthy())
}

func TestPingChecker_ProbeTimeout(t *testing.T) {
	c := NewPingChecker("backend", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), zerolog.Nop(), 20*time.Millisecond)

	start := time.Now()
	assert.False(t, c.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPingChecker_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewPingChecker("store", PingFunc(func(context.Context) error { return nil }), zerolog.Nop(), time.Second)
	go c.Start(ctx, 10*time.Millisecond)
	waitTrue(t, c.IsHealthy)
}

func waitTrue(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
