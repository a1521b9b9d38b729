package factory

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/config"
	"github.com/fitiq/fitiq-sync/internal/engine"
	"github.com/fitiq/fitiq-sync/internal/outbox"
	"github.com/fitiq/fitiq-sync/internal/remote"
	"github.com/fitiq/fitiq-sync/internal/sensor"
	"github.com/fitiq/fitiq-sync/internal/shardqueue"
	storepkg "github.com/fitiq/fitiq-sync/internal/store"
)

// App holds the wired components of one sync process.
type App struct {
	Config    *config.Config
	Store     storepkg.Store
	Remote    *remote.HTTPClient
	Sensor    sensor.Gateway
	Processor *outbox.Processor
	Engine    *engine.Engine
}

// OutboxConfig maps the process config onto processor tunables.
func OutboxConfig(cfg *config.Config) outbox.Config {
	return outbox.Config{
		BatchSize:     cfg.OutboxBatchSize,
		Interval:      cfg.OutboxInterval,
		MaxAttempts:   cfg.OutboxMaxAttempts,
		BaseBackoff:   cfg.OutboxBaseBackoff,
		MaxBackoff:    cfg.OutboxMaxBackoff,
		RemoteTimeout: cfg.RemoteTimeout,
		StaleAfter:    cfg.OutboxStaleAfter,
	}
}

// LaneConfig reads the VITALSYNC_SQ_ settings; cfg.Lanes, when set, wins
// over the shard count.
func LaneConfig(cfg *config.Config, log zerolog.Logger) (shardqueue.Config, error) {
	lanes, err := shardqueue.LoadConfig()
	if err != nil {
		return lanes, err
	}
	if cfg.Lanes > 0 {
		lanes.Shards = cfg.Lanes
	}
	lanes.ErrorHandler = func(err error) {
		log.Warn().Err(err).Msg("outbox lane job failed")
	}
	return lanes, nil
}

// NewApp opens the store and wires the backend client, sensor gateway,
// outbox processor and engine.
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, err := NewStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	sg, err := NewSensor(cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	lanes, err := LaneConfig(cfg, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rc := NewRemote(cfg, log)
	proc := outbox.NewProcessor(st, rc, OutboxConfig(cfg), lanes, log)
	eng := engine.New(st, rc, sg, proc, engine.Config{
		OwnerID:         cfg.OwnerID,
		DefaultTimeZone: cfg.DefaultTimeZone,
		Debounce:        cfg.Debounce,
	}, log)
	return &App{
		Config:    cfg,
		Store:     st,
		Remote:    rc,
		Sensor:    sg,
		Processor: proc,
		Engine:    eng,
	}, nil
}

// Close stops the outbox lanes and closes the store.
func (a *App) Close() error {
	return errors.Join(a.Processor.Close(), a.Store.Close())
}
