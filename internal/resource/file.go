package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"keep/internal/fs"
	"keep/internal/keep"
)

// captureAttempts bounds retries when a file changes while being copied.
const captureAttempts = 3

// FileSource is a single regular file.
type FileSource struct {
	name     string
	path     string
	required bool
}

var _ keep.ResourceSource = (*FileSource)(nil)

func NewFileSource(name, path string, required bool) *FileSource {
	return &FileSource{name: name, path: path, required: required}
}

func (s *FileSource) Name() string   { return s.name }
func (s *FileSource) Kind() string   { return keep.KindFile }
func (s *FileSource) Path() string   { return s.path }
func (s *FileSource) Required() bool { return s.required }

func (s *FileSource) Available() error {
	info, err := os.Lstat(s.path)
	if err != nil {
		return unavailable(s.path, err)
	}
	if !info.Mode().IsRegular() {
		if err := fs.CheckSupported(s.path, info); err != nil {
			return unavailable(s.path, err)
		}
		return unavailable(s.path, errors.New("not a regular file"))
	}
	return nil
}

// Capture copies the file while holding a shared advisory lock on it, so
// writers that take an exclusive flock are kept out. The copy is retried
// when the file's size or mtime moves underneath it.
func (s *FileSource) Capture(ctx context.Context, dst string) error {
	lock := flock.New(s.path, flock.SetFlag(os.O_RDONLY))
	ok, err := lock.TryRLock()
	if err != nil {
		return unavailable(s.path, err)
	}
	if !ok {
		return unavailable(s.path, errors.New("locked by another process"))
	}
	defer lock.Unlock()

	for attempt := 1; ; attempt++ {
		changed, err := s.copyOnce(ctx, dst)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("discarding inconsistent copy: %w", err)
		}
		if attempt == captureAttempts {
			return unavailable(s.path, fmt.Errorf("file kept changing during %d capture attempts", captureAttempts))
		}
	}
}

func (s *FileSource) copyOnce(ctx context.Context, dst string) (changed bool, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return false, unavailable(s.path, err)
	}
	defer f.Close()
	before, err := f.Stat()
	if err != nil {
		return false, unavailable(s.path, err)
	}

	n, err := writeFile(ctx, dst, f, 0600)
	if err != nil {
		return false, err
	}

	after, err := os.Stat(s.path)
	if err != nil {
		return false, unavailable(s.path, err)
	}
	changed = n != before.Size() || after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime())
	return changed, nil
}

// Materialize writes the captured bytes to dst with the live file's mode.
func (s *FileSource) Materialize(ctx context.Context, r io.Reader, dst string) error {
	_, err := writeFile(ctx, dst, r, livePerm(s.path, defaultPerm))
	return err
}
