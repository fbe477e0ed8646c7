package keep

import "os"

// Workspace is scratch space for staging snapshots and spooling plaintext.
type Workspace interface {
	SpaceReporter
	// Root is the top-level scratch directory.
	Root() string
	MkdirTemp(pattern string) (string, error)
	CreateTemp(dir, pattern string) (*os.File, error)
	// MaxSize is the configured upper bound on scratch usage; 0 means none.
	MaxSize() int64
}
