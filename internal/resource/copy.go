// Package resource implements the kinds of application state keep can back
// up: single files, directory trees and SQLite databases.
package resource

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"keep/internal/keep"
)

// defaultPerm is used for restored files whose live copy is gone.
const defaultPerm fs.FileMode = 0600

func unavailable(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", keep.ErrResourceUnavailable, path, err)
}

// writeFile copies r into a new file at dst and syncs it. dst must not exist.
func writeFile(ctx context.Context, dst string, r io.Reader, perm fs.FileMode) (int64, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		f.Close()
		return n, fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dst, err)
	}
	// O_CREATE is subject to the umask.
	if err := os.Chmod(dst, perm); err != nil {
		return n, fmt.Errorf("setting mode of %s: %w", dst, err)
	}
	return n, nil
}

// livePerm returns the permission bits of the live path, or def when it is gone.
func livePerm(path string, def fs.FileMode) fs.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return def
	}
	return info.Mode().Perm()
}

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
