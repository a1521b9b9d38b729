package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitiq/fitiq-sync/internal/model"
	"github.com/fitiq/fitiq-sync/internal/watch"
)

// ObserveAndSync subscribes to sensor changes for kinds and, after each
// debounced burst, imports the affected days and nudges the outbox. Kinds
// the sensor refuses are skipped. It blocks until ctx ends.
func (e *Engine) ObserveAndSync(ctx context.Context, kinds []model.Kind) error {
	if e.sensor == nil {
		return errors.New("sensor gateway not configured")
	}
	if len(kinds) == 0 {
		return fmt.Errorf("%w: no kinds to observe", model.ErrValidation)
	}
	loc := model.LoadLocation(e.cfg.DefaultTimeZone)

	var (
		wg   sync.WaitGroup
		errs []error
	)
	for _, kind := range kinds {
		changes, err := e.sensor.ObserveChanges(ctx, kind)
		if err != nil {
			e.log.Warn().Err(err).Str("kind", string(kind)).Msg("sensor changes unavailable")
			errs = append(errs, err)
			continue
		}
		batches := watch.Debounce(ctx, changes, e.cfg.Debounce)
		wg.Add(1)
		go func(kind model.Kind) {
			defer wg.Done()
			for b := range batches {
				e.importBatch(ctx, kind, b, loc)
			}
		}(kind)
	}
	if len(errs) == len(kinds) {
		return errors.Join(append([]error{errors.New("no sensor kind could be observed")}, errs...)...)
	}
	e.log.Info().Int("kinds", len(kinds)-len(errs)).Dur("debounce", e.cfg.Debounce).Msg("observing sensor changes")
	wg.Wait()
	return ctx.Err()
}

// importBatch imports every day touched by the batch's sample spans once.
func (e *Engine) importBatch(ctx context.Context, kind model.Kind, b watch.Batch, loc *time.Location) {
	days := batchDays(b, loc)
	for _, d := range days {
		rep, err := e.ImportSensor(ctx, kind, d, loc)
		if err != nil {
			e.log.Error().Err(err).Str("kind", string(kind)).Str("day", d.String()).Msg("sensor import failed")
			continue
		}
		e.log.Debug().
			Str("kind", string(kind)).
			Str("day", d.String()).
			Int("changes", b.Count).
			Int("created", rep.Created).
			Int("updated", rep.Updated).
			Msg("sensor batch imported")
	}
}

// batchDays lists the zone-local days covered by b's spans, oldest span first.
func batchDays(b watch.Batch, loc *time.Location) []model.Day {
	seen := map[model.Day]bool{}
	var days []model.Day
	for _, sp := range b.Spans {
		last := model.DayOf(sp.End, loc)
		for d := model.DayOf(sp.Start, loc); !last.Before(d); d = d.AddDays(1) {
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
	}
	return days
}
