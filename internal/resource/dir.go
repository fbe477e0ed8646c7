package resource

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keep/internal/fs"
	"keep/internal/keep"
)

// DirSource is a directory tree, captured as a tar stream. Entries matching
// the configured patterns or the tree's .keepignore file are left out.
type DirSource struct {
	name     string
	path     string
	required bool
	ignore   []string
}

var _ keep.ResourceSource = (*DirSource)(nil)

func NewDirSource(name, path string, required bool, ignore []string) *DirSource {
	return &DirSource{name: name, path: path, required: required, ignore: ignore}
}

func (s *DirSource) Name() string   { return s.name }
func (s *DirSource) Kind() string   { return keep.KindDir }
func (s *DirSource) Path() string   { return s.path }
func (s *DirSource) Required() bool { return s.required }

func (s *DirSource) Available() error {
	info, err := os.Lstat(s.path)
	if err != nil {
		return unavailable(s.path, err)
	}
	if !info.IsDir() {
		return unavailable(s.path, errors.New("not a directory"))
	}
	return nil
}

func (s *DirSource) Capture(ctx context.Context, dst string) error {
	matcher, err := fs.LoadIgnoreMatcher(s.path, s.ignore)
	if err != nil {
		return unavailable(s.path, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	err = filepath.WalkDir(s.path, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return unavailable(p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.path, p)
		if err != nil {
			return err
		}
		if rel != "." && matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return addTarEntry(tw, p, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finishing tar stream: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	return out.Close()
}

func addTarEntry(tw *tar.Writer, p, rel string, d iofs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return unavailable(p, err)
	}
	if err := fs.CheckSupported(p, info); err != nil {
		return unavailable(p, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return unavailable(p, err)
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("building tar header for %s: %w", p, err)
	}
	hdr.Format = tar.FormatPAX
	hdr.Uname, hdr.Gname = "", ""
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name = rel + "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return unavailable(p, err)
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	if err != nil {
		return fmt.Errorf("copying %s: %w", p, err)
	}
	if n != hdr.Size {
		return unavailable(p, fmt.Errorf("file changed size during capture"))
	}
	return nil
}

type dirMeta struct {
	path  string
	mode  iofs.FileMode
	mtime time.Time
}

// Materialize extracts the tar stream into a new directory at dst. Symlinks
// are created last so no extracted file is written through one.
func (s *DirSource) Materialize(ctx context.Context, r io.Reader, dst string) error {
	if err := os.Mkdir(dst, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	var dirs []dirMeta
	var links []*tar.Header
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		rel, err := sanitizeTarPath(hdr.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if rel != "." {
				if err := os.Mkdir(target, 0700); err != nil {
					return fmt.Errorf("creating %s: %w", target, err)
				}
			}
			dirs = append(dirs, dirMeta{path: target, mode: hdr.FileInfo().Mode().Perm(), mtime: hdr.ModTime})
		case tar.TypeReg:
			if _, err := writeFile(ctx, target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("setting times of %s: %w", target, err)
			}
		case tar.TypeSymlink:
			links = append(links, hdr)
		default:
			return fmt.Errorf("unsupported tar entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}

	for _, hdr := range links {
		rel, _ := sanitizeTarPath(hdr.Name)
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("creating symlink %s: %w", target, err)
		}
	}

	// Deepest first, so setting a parent's mode never blocks a child.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].path) > len(dirs[j].path) })
	for _, d := range dirs {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("setting mode of %s: %w", d.path, err)
		}
	}

	// Last, since creating entries moves a directory's mtime.
	for _, d := range dirs {
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return fmt.Errorf("setting times of %s: %w", d.path, err)
		}
	}
	return nil
}

// sanitizeTarPath cleans an entry name and rejects names that would land
// outside the extraction root.
func sanitizeTarPath(name string) (string, error) {
	clean := path.Clean(strings.TrimSuffix(name, "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "\\") {
		return "", fmt.Errorf("unsafe tar entry name %q", name)
	}
	return clean, nil
}
