package server

import (
	"context"
	"fmt"

	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/memory"
	"vttsync/internal/rowstore/postgres"
	"vttsync/internal/rowstore/sqlite"
)

// OpenStore opens the persistence driver named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg Config) (rowstore.Store, error) {
	switch cfg.StoreDriver {
	case DriverMemory:
		return memory.New(), nil
	case DriverSQLite, "":
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
