package factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fitiq/fitiq-sync/internal/config"
	storepkg "github.com/fitiq/fitiq-sync/internal/store"
	storepg "github.com/fitiq/fitiq-sync/internal/store/postgres"
	storesqlite "github.com/fitiq/fitiq-sync/internal/store/sqlite"
)

// NewStore returns the entity store selected by cfg.DBDriver. The schema is
// applied before the store is returned.
func NewStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storepkg.Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		path, err := expandHome(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		st, err := storesqlite.New(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("driver", cfg.DBDriver).Str("path", path).Msg("store opened")
		return st, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("VITALSYNC_POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
		st, err := storepg.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("driver", cfg.DBDriver).Msg("store opened")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
