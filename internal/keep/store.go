package keep

import (
	"context"
	"io"
)

// ArchiveStore holds archive files by backup name.
type ArchiveStore interface {
	// Put stores size bytes read from r under name. The archive must not be
	// visible under name until it is complete.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Open returns a reader for the named archive. Absent archives yield an
	// error wrapping ErrArchiveMissing.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Stat returns the archive size, or an error wrapping ErrArchiveMissing.
	Stat(ctx context.Context, name string) (int64, error)
	// Delete removes the archive. Deleting an absent archive is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all stored archives.
	List(ctx context.Context) ([]string, error)
	// ValidateSetup checks that the store is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

// FilePublisher is implemented by stores that can adopt a finished local
// file directly, typically with a rename.
type FilePublisher interface {
	PublishFile(ctx context.Context, name, path string) error
}

// SpaceReporter is implemented by anything that can report free bytes.
type SpaceReporter interface {
	FreeSpace() (uint64, error)
}
