package keep

import (
	"context"
	"io"
)

// Resource kinds.
const (
	KindFile   = "file"
	KindDir    = "dir"
	KindSQLite = "sqlite"
)

// ResourceSource is one piece of application state that is captured into
// backups and replaced on restore.
type ResourceSource interface {
	Name() string
	Kind() string
	// Path is the live location replaced on restore.
	Path() string
	// Required resources fail a backup when absent. Optional ones are skipped.
	Required() bool
	// Available returns nil when the resource can be captured. A missing
	// resource returns an error wrapping both ErrResourceUnavailable and
	// fs.ErrNotExist.
	Available() error
	// Capture writes a consistent point-in-time copy as a single stream to
	// the file at dst.
	Capture(ctx context.Context, dst string) error
	// Materialize builds new live content at dst from a captured stream. dst
	// does not exist beforehand and is later renamed over Path.
	Materialize(ctx context.Context, r io.Reader, dst string) error
}

// SidecarSource is implemented by resources whose live state spans extra
// files next to Path, such as database journals. Sidecars are moved aside
// together with the main path on restore.
type SidecarSource interface {
	Sidecars() []string
}
