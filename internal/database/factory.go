package database

import (
	"fmt"
	"os"
	"path/filepath"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewCatalogFromConfig opens the catalog described by cfg. The sqlite
// catalog lives at <data_dir>/<host_id>.db.
func NewCatalogFromConfig(cfg config.CatalogConfig, hostID string, clock keep.Clock) (*SQLiteCatalog, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite catalog")
		}
		if hostID == "" {
			return nil, fmt.Errorf("host_id required for sqlite catalog")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
		return NewSQLiteCatalog(filepath.Join(cfg.DataDir, hostID+".db"), clock)
	case "memory":
		return NewSQLiteCatalog(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown catalog type: %s", cfg.Type)
	}
}
