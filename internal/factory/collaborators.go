package factory

import (
	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/config"
	"github.com/fitiq/fitiq-sync/internal/remote"
	"github.com/fitiq/fitiq-sync/internal/sensor"
)

// NewRemote returns the HTTP backend client.
func NewRemote(cfg *config.Config, log zerolog.Logger) *remote.HTTPClient {
	return remote.NewHTTPClient(remote.Options{
		BaseURL: cfg.RemoteBaseURL,
		APIKey:  cfg.RemoteAPIKey,
		Timeout: cfg.RemoteTimeout,
		Policy:  remote.PayloadPolicy{RequireNonDateField: cfg.RequireNonDateField},
		Logger:  log,
	})
}

// NewSensor returns a file-backed gateway when cfg.SensorDir is set and an
// empty in-memory gateway otherwise.
func NewSensor(cfg *config.Config, log zerolog.Logger) (sensor.Gateway, error) {
	if cfg.SensorDir == "" {
		log.Warn().Msg("no sensor dir configured; using empty in-memory sensor")
		return sensor.NewMemoryGateway(), nil
	}
	gw, err := sensor.NewFileGateway(cfg.SensorDir, log)
	if err != nil {
		return nil, err
	}
	return gw, nil
}
