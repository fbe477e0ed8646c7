package staging

import (
	"fmt"

	"keep/internal/config"
)

// NewWorkspaceFromConfig creates the scratch workspace described by cfg.
func NewWorkspaceFromConfig(cfg config.StagingConfig) (*FileSystemWorkspace, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("staging requires dir to be set")
	}
	return NewFileSystemWorkspace(cfg.Dir, cfg.MaxSize)
}
