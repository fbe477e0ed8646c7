package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/disk"

	"keep/internal/keep"
)

// archiveExt is the file extension of stored archives.
const archiveExt = ".keep"

// FileSystemStore keeps archives as files in a single directory:
//
//	<root>/
//	  archives/
//	    <name>.keep
type FileSystemStore struct {
	root       string
	archiveDir string
}

var (
	_ keep.ArchiveStore  = (*FileSystemStore)(nil)
	_ keep.FilePublisher = (*FileSystemStore)(nil)
	_ keep.SpaceReporter = (*FileSystemStore)(nil)
)

// NewFileSystemStore creates a store rooted at the given path.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	archiveDir := filepath.Join(root, "archives")
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemStore{root: root, archiveDir: archiveDir}, nil
}

func (s *FileSystemStore) path(name string) (string, error) {
	if !keep.ValidName(name) {
		return "", fmt.Errorf("invalid archive name %q", name)
	}
	return filepath.Join(s.archiveDir, name+archiveExt), nil
}

// Put writes the archive to a temp file and renames it into place.
func (s *FileSystemStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	dest, err := s.path(name)
	if err != nil {
		return err
	}
	return s.writeFile(ctx, dest, r, size)
}

// PublishFile moves a finished archive into the store. The rename is atomic
// when path is on the same filesystem; otherwise the file is copied.
func (s *FileSystemStore) PublishFile(ctx context.Context, name, path string) error {
	dest, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("archive %s already exists", name)
	}

	if err := os.Rename(path, dest); err == nil {
		return syncDir(s.archiveDir)
	} else if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move archive into store: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := s.writeFile(ctx, dest, f, info.Size()); err != nil {
		return err
	}
	f.Close()
	return os.Remove(path)
}

func (s *FileSystemStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", keep.ErrArchiveMissing, name)
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return f, nil
}

func (s *FileSystemStore) Stat(ctx context.Context, name string) (int64, error) {
	p, err := s.path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", keep.ErrArchiveMissing, name)
		}
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Size(), nil
}

func (s *FileSystemStore) Delete(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return syncDir(s.archiveDir)
}

// List returns archive names in lexical order. Temp files are skipped.
func (s *FileSystemStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), archiveExt)
		if !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies that the archive directory exists and is writable.
func (s *FileSystemStore) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(s.archiveDir)
	if err != nil {
		return fmt.Errorf("store directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store path is not a directory: %s", s.archiveDir)
	}
	f, err := os.CreateTemp(s.archiveDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("store directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// FreeSpace reports the bytes available on the store's filesystem.
func (s *FileSystemStore) FreeSpace() (uint64, error) {
	usage, err := disk.Usage(s.archiveDir)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage: %w", err)
	}
	return usage.Free, nil
}

// writeFile writes data from r to destPath using atomic write (temp file + fsync + rename).
func (s *FileSystemStore) writeFile(ctx context.Context, destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(s.archiveDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != expectedSize {
		tmpFile.Close()
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return syncDir(s.archiveDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
