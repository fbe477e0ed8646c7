package keep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"keep/internal/model"
)

// snapshot is one resource captured into the staging directory.
type snapshot struct {
	info model.ResourceInfo
	path string
}

// enumerate captures every configured resource into dir. Missing optional
// resources are skipped; a missing required one fails the whole capture.
func (s *KeepService) enumerate(ctx context.Context, dir string) ([]snapshot, error) {
	progress := ProgressFrom(ctx)
	progress.Stage("capturing resources")

	var snaps []snapshot
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := src.Available(); err != nil {
			if errors.Is(err, fs.ErrNotExist) && !src.Required() {
				s.logger.Warn("skipping missing optional resource", "resource", src.Name(), "path", src.Path())
				continue
			}
			return nil, fmt.Errorf("resource %s: %w", src.Name(), wrapUnavailable(err))
		}

		dst := filepath.Join(dir, src.Name())
		if err := src.Capture(ctx, dst); err != nil {
			return nil, fmt.Errorf("capturing %s: %w", src.Name(), storageError(wrapUnavailable(err)))
		}
		info, err := describeSnapshot(src, dst)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("resource captured", "resource", src.Name(), "kind", src.Kind(), "size", info.Size)
		snaps = append(snaps, snapshot{info: info, path: dst})
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no resources available to back up", ErrResourceUnavailable)
	}
	return snaps, nil
}

func describeSnapshot(src ResourceSource, path string) (model.ResourceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ResourceInfo{}, fmt.Errorf("opening snapshot of %s: %w", src.Name(), err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return model.ResourceInfo{}, fmt.Errorf("hashing snapshot of %s: %w", src.Name(), err)
	}
	return model.ResourceInfo{
		Name:     src.Name(),
		Kind:     src.Kind(),
		Size:     n,
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// wrapUnavailable makes sure resource errors carry ErrResourceUnavailable.
func wrapUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	return err
}
