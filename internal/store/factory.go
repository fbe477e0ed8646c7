package store

import (
	"context"
	"fmt"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewStoreFromConfig creates an ArchiveStore based on the store config type.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig) (keep.ArchiveStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3StoreFromConfig(ctx, cfg)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
