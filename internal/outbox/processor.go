// Package outbox drains queued local mutations to the backend. Events of one
// kind run in order on a single lane; different kinds run concurrently.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/remote"
	"github.com/fitiq/fitiq-sync/internal/shardqueue"
	"github.com/fitiq/fitiq-sync/internal/store"
)

// Config controls batch size, cadence and retry policy.
type Config struct {
	BatchSize     int           // events loaded per drain
	Interval      time.Duration // poll interval for Run
	MaxAttempts   int           // transient attempts before an event is parked
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RemoteTimeout time.Duration // bound on each backend call
	StaleAfter    time.Duration // in-flight leases older than this are requeued by Run
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

// SyncReport summarises one drain.
type SyncReport struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Loaded   int `json:"loaded"`   // ready events picked up
	Synced   int `json:"synced"`   // create/update acknowledged by the backend
	Deleted  int `json:"deleted"`  // deletes completed
	Retried  int `json:"retried"`  // transient failures rescheduled
	Parked   int `json:"parked"`   // permanent failures and exhausted retries
	Blocked  int `json:"blocked"`  // skipped behind an earlier failure of the same entity
	Skipped  int `json:"skipped"`  // already leased elsewhere, or not reached before cancellation
	Orphaned int `json:"orphaned"` // events whose entity no longer exists
	Errors   int `json:"errors"`   // store errors while recording an outcome
}

func (r *SyncReport) add(o SyncReport) {
	r.Loaded += o.Loaded
	r.Synced += o.Synced
	r.Deleted += o.Deleted
	r.Retried += o.Retried
	r.Parked += o.Parked
	r.Blocked += o.Blocked
	r.Skipped += o.Skipped
	r.Orphaned += o.Orphaned
	r.Errors += o.Errors
}

type result int

const (
	resultSynced result = iota
	resultDeleted
	resultRetried
	resultParked
	resultSkipped
	resultOrphaned
	resultError
)

func (r result) String() string {
	switch r {
	case resultSynced:
		return "synced"
	case resultDeleted:
		return "deleted"
	case resultRetried:
		return "retried"
	case resultParked:
		return "parked"
	case resultSkipped:
		return "skipped"
	case resultOrphaned:
		return "orphaned"
	}
	return "error"
}

// failed reports whether later events of the same entity must wait.
func (r result) failed() bool {
	return r == resultRetried || r == resultParked || r == resultError
}

// Processor drains the outbox.
type Processor struct {
	store  store.Store
	remote remote.Client
	lanes  *shardqueue.ShardExecutor
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	trigger chan struct{}
	drainMu sync.Mutex

	mu   sync.Mutex
	last SyncReport
}

// NewProcessor wires a processor. lanes configures the per-kind executor.
func NewProcessor(st store.Store, rc remote.Client, cfg Config, lanes shardqueue.Config, log zerolog.Logger) *Processor {
	return &Processor{
		store:   st,
		remote:  rc,
		lanes:   shardqueue.NewShardExecutor(lanes),
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "outbox").Logger(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// SetClock replaces the processor's clock.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Close stops the lane executor after in-progress lanes finish.
func (p *Processor) Close() error { return p.lanes.Close() }

// Trigger requests a drain from Run without waiting for the next tick.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// LastReport returns the most recent drain summary.
func (p *Processor) LastReport() SyncReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Run requeues stale leases, then drains every Interval and on Trigger
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().Int("batch", p.cfg.BatchSize).Dur("interval", p.cfg.Interval).Msg("outbox processor starting")

	if n, err := p.store.Outbox().RequeueStale(ctx, p.now().Add(-p.cfg.StaleAfter)); err != nil {
		p.log.Error().Err(err).Msg("requeue stale leases")
	} else if n > 0 {
		p.log.Warn().Int("requeued", n).Msg("requeued in-flight events from a previous run")
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.drainLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox processor stopping")
			return ctx.Err()
		case <-ticker.C:
			p.drainLogged(ctx)
		case <-p.trigger:
			p.drainLogged(ctx)
		}
	}
}

func (p *Processor) drainLogged(ctx context.Context) {
	rep, err := p.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Error().Err(err).Msg("outbox drain")
		return
	}
	if rep.Loaded > 0 {
		p.log.Info().
			Int("loaded", rep.Loaded).
			Int("synced", rep.Synced).
			Int("deleted", rep.Deleted).
			Int("retried", rep.Retried).
			Int("parked", rep.Parked).
			Int("blocked", rep.Blocked).
			Dur("took", rep.Finished.Sub(rep.Started)).
			Msg("outbox drained")
	}
}

// Drain processes every ready event once. Cancellation stops the drain
// between events; an event already started runs to completion, with its
// backend call bounded by RemoteTimeout.
func (p *Processor) Drain(ctx context.Context) (SyncReport, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	rep := SyncReport{Started: p.now()}
	events, err := p.store.Outbox().Ready(ctx, rep.Started, p.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("load ready events: %w", err)
	}
	rep.Loaded = len(events)

	var kinds []model.Kind
	byKind := make(map[model.Kind][]*model.OutboxEvent)
	for _, ev := range events {
		if _, ok := byKind[ev.Kind]; !ok {
			kinds = append(kinds, ev.Kind)
		}
		byKind[ev.Kind] = append(byKind[ev.Kind], ev)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		submitE []error
	)
	laneCtx := context.WithoutCancel(ctx)
	for _, kind := range kinds {
		evs := byKind[kind]
		wg.Add(1)
		err := p.lanes.Submit(laneCtx, string(kind), shardqueue.JobFunc(func(context.Context) error {
			defer wg.Done()
			lane := p.runLane(ctx, evs)
			mu.Lock()
			rep.add(lane)
			mu.Unlock()
			return nil
		}))
		if err != nil {
			wg.Done()
			mu.Lock()
			rep.Skipped += len(evs)
			submitE = append(submitE, fmt.Errorf("lane %s: %w", kind, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	rep.Finished = p.now()
	drainDuration.Observe(rep.Finished.Sub(rep.Started).Seconds())
	if c, err := p.store.Outbox().Counts(laneCtx); err == nil {
		parkedGauge.Set(float64(c.Parked))
	}

	p.mu.Lock()
	p.last = rep
	p.mu.Unlock()

	if len(submitE) > 0 {
		return rep, errors.Join(submitE...)
	}
	return rep, ctx.Err()
}

// runLane processes one kind's events in order. A failure blocks the rest
// of that entity's events for this drain.
func (p *Processor) runLane(ctx context.Context, events []*model.OutboxEvent) SyncReport {
	var rep SyncReport
	blocked := make(map[string]bool)
	for i, ev := range events {
		if ctx.Err() != nil {
			rep.Skipped += len(events) - i
			break
		}
		if blocked[ev.EntityLocalID] {
			rep.Blocked++
			eventsTotal.WithLabelValues(string(ev.Kind), "blocked").Inc()
			continue
		}
		res := p.process(context.WithoutCancel(ctx), ev)
		eventsTotal.WithLabelValues(string(ev.Kind), res.String()).Inc()
		switch res {
		case resultSynced:
			rep.Synced++
		case resultDeleted:
			rep.Deleted++
		case resultRetried:
			rep.Retried++
		case resultParked:
			rep.Parked++
		case resultSkipped:
			rep.Skipped++
		case resultOrphaned:
			rep.Orphaned++
		case resultError:
			rep.Errors++
		}
		if res.failed() {
			blocked[ev.EntityLocalID] = true
		}
	}
	return rep
}

func (p *Processor) process(ctx context.Context, ev *model.OutboxEvent) result {
	log := p.log.With().
		Str("event_id", ev.EventID).
		Str("local_id", ev.EntityLocalID).
		Str("kind", string(ev.Kind)).
		Str("op", string(ev.Operation)).
		Int("attempt", ev.AttemptCount+1).
		Logger()

	ent, err := p.store.Outbox().MarkInFlight(ctx, ev.EventID)
	switch {
	case errors.Is(err, store.ErrNotClaimable):
		log.Debug().Msg("event already claimed")
		return resultSkipped
	case errors.Is(err, model.ErrNotFound):
		return p.orphan(ctx, log, ev)
	case err != nil:
		log.Error().Err(err).Msg("lease event")
		return resultError
	}

	if ev.Operation == model.OpDelete {
		return p.deleteRemote(ctx, log, ev, ent)
	}

	var (
		rec *remote.Record
		op  = "create"
	)
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
	if ent.BackendID == "" {
		rec, err = p.remote.Create(rctx, ent)
	} else {
		op = "update"
		rec, err = p.remote.Update(rctx, ent.BackendID, ent)
	}
	cancel()
	remoteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return p.fail(ctx, log, ev, err)
	}

	id := ""
	if rec != nil {
		id = rec.ID
	}
	if err := validateIdentifier(ent, id); err != nil {
		return p.fail(ctx, log, ev, err)
	}

	if _, err := p.store.Entities().MarkSynced(ctx, ent.LocalID, id, ev.EventID); err != nil {
		if errors.Is(err, model.ErrBackendIDConflict) {
			return p.fail(ctx, log, ev, fmt.Errorf("%w: %v", remote.ErrIdentifierMismatch, err))
		}
		log.Error().Err(err).Msg("record sync result")
		return p.fail(ctx, log, ev, remote.NewNetworkError("mark synced", err))
	}
	log.Debug().Str("backend_id", id).Msg("event synced")
	return resultSynced
}

// validateIdentifier checks the id returned by the backend: present, not
// our local id echoed back, and equal to any id already recorded.
func validateIdentifier(ent *model.Entity, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: backend returned no id for %s", remote.ErrIdentifierMismatch, ent.LocalID)
	case id == ent.LocalID:
		return fmt.Errorf("%w: backend echoed local id %s", remote.ErrIdentifierMismatch, ent.LocalID)
	case ent.BackendID != "" && id != ent.BackendID:
		return fmt.Errorf("%w: backend returned %s for %s, expected %s", remote.ErrIdentifierMismatch, id, ent.LocalID, ent.BackendID)
	}
	return nil
}

func (p *Processor) deleteRemote(ctx context.Context, log zerolog.Logger, ev *model.OutboxEvent, ent *model.Entity) result {
	if ent.BackendID != "" {
		start := time.Now()
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RemoteTimeout)
		err := p.remote.Delete(rctx, ent.BackendID)
		cancel()
		remoteDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
		if err != nil && !remote.IsNotFound(err) {
			return p.fail(ctx, log, ev, err)
		}
	}
	if err := p.store.Entities().CompleteDelete(ctx, ent.LocalID, ev.EventID); err != nil {
		log.Error().Err(err).Msg("complete delete")
		return resultError
	}
	log.Debug().Str("backend_id", ent.BackendID).Msg("delete synced")
	return resultDeleted
}

// orphan drops an event whose entity is gone. An event that vanished itself
// was coalesced or purged by a concurrent writer.
func (p *Processor) orphan(ctx context.Context, log zerolog.Logger, ev *model.OutboxEvent) result {
	if _, err := p.store.Outbox().Get(ctx, ev.EventID); errors.Is(err, model.ErrNotFound) {
		return resultSkipped
	}
	if err := p.store.Outbox().Delete(ctx, ev.EventID); err != nil {
		log.Error().Err(err).Msg("delete orphaned event")
		return resultError
	}
	log.Warn().Msg("dropped event for missing entity")
	return resultOrphaned
}

// fail records a failed attempt. Permanent errors and exhausted retries park
// the event; anything else is rescheduled with exponential backoff. Local
// data is never touched.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, ev *model.OutboxEvent, cause error) result {
	attempts := ev.AttemptCount + 1
	msg := cause.Error()

	if errors.Is(cause, remote.ErrIdentifierMismatch) {
		log.Error().Err(cause).Str("failure", "identifier_mismatch").Msg("backend identifier rejected")
	}

	if remote.IsIrrecoverable(cause) || attempts >= p.cfg.MaxAttempts {
		if err := p.store.Outbox().Park(ctx, ev.EventID, attempts, msg); err != nil {
			log.Error().Err(err).Msg("park event")
			return resultError
		}
		failure := "permanent"
		if !remote.IsIrrecoverable(cause) {
			failure = "retries_exhausted"
		}
		log.Error().Err(cause).Str("failure", failure).Int("status", remote.StatusCode(cause)).Msg("event parked")
		return resultParked
	}

	wait := p.backoffFor(attempts)
	if err := p.store.Outbox().Reschedule(ctx, ev.EventID, attempts, msg, p.now().Add(wait)); err != nil {
		log.Error().Err(err).Msg("reschedule event")
		return resultError
	}
	log.Warn().Err(cause).Str("failure", "transient").Dur("retry_in", wait).Msg("event rescheduled")
	return resultRetried
}

// backoffFor returns the delay before attempt n+1, growing from BaseBackoff
// by a factor of two up to MaxBackoff.
func (p *Processor) backoffFor(attempts int) time.Duration {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BaseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = p.cfg.MaxBackoff
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	wait := exp.NextBackOff()
	for i := 1; i < attempts; i++ {
		wait = exp.NextBackOff()
	}
	return wait
}
