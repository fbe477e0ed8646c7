package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"

	"keep/internal/keep"
)

// FileSystemWorkspace is the scratch directory used to stage snapshots
// while a backup is built and to spool plaintext during verify and restore.
//
// Directory structure:
//
//	<staging_dir>/
//	  create-*/          (one per backup being built)
//	  restore-*/         (one per restore being staged)
//	  .plain-*           (decrypted payload spools)
//	  restore.journal    (present while live state is being replaced)
type FileSystemWorkspace struct {
	root    string
	maxSize int64
}

var _ keep.Workspace = (*FileSystemWorkspace)(nil)

// NewFileSystemWorkspace creates the workspace directory if needed.
// maxSize bounds scratch usage in bytes; 0 means unlimited.
func NewFileSystemWorkspace(root string, maxSize int64) (*FileSystemWorkspace, error) {
	if maxSize < 0 {
		return nil, fmt.Errorf("max size must not be negative, got %d", maxSize)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving staging directory: %w", err)
	}
	return &FileSystemWorkspace{root: abs, maxSize: maxSize}, nil
}

func (w *FileSystemWorkspace) Root() string { return w.root }

func (w *FileSystemWorkspace) MaxSize() int64 { return w.maxSize }

// MkdirTemp creates a private directory directly under the root.
func (w *FileSystemWorkspace) MkdirTemp(pattern string) (string, error) {
	dir, err := os.MkdirTemp(w.root, pattern)
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

// CreateTemp creates a private file in dir, which must be inside the root.
// An empty dir means the root itself.
func (w *FileSystemWorkspace) CreateTemp(dir, pattern string) (*os.File, error) {
	if dir == "" {
		dir = w.root
	}
	rel, err := filepath.Rel(w.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s is outside the staging directory", dir)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return f, nil
}

// FreeSpace reports the bytes available on the workspace filesystem.
func (w *FileSystemWorkspace) FreeSpace() (uint64, error) {
	usage, err := disk.Usage(w.root)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage: %w", err)
	}
	return usage.Free, nil
}

// Usage returns the bytes currently held in the workspace.
func (w *FileSystemWorkspace) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring staging directory: %w", err)
	}
	return total, nil
}
