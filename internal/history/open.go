package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config selects and tunes the record store.
type Config struct {
	Driver          string
	DSN             string
	MediaDir        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open builds the configured record store and the image store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, *ImageStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var images *ImageStore
	if cfg.MediaDir == "" {
		images = NewMemImageStore()
	} else {
		images = NewOSImageStore(cfg.MediaDir)
	}

	switch cfg.Driver {
	case "", DriverMemory:
		logger.Info("detection history in memory", "media_dir", cfg.MediaDir)
		return NewMemoryStore(), images, nil
	case DriverPostgres:
		store, err := OpenPostgres(ctx, PostgresConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres history: %w", err)
		}
		logger.Info("detection history in postgres", "media_dir", cfg.MediaDir)
		return store, images, nil
	default:
		return nil, nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
}
