package resource

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"keep/internal/config"
	"keep/internal/database"
	"keep/internal/keep"
)

func roundTrip(t *testing.T, src keep.ResourceSource) string {
	t.Helper()
	ctx := context.Background()
	scratch := t.TempDir()

	snap := filepath.Join(scratch, "snap")
	if err := src.Capture(ctx, snap); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	f, err := os.Open(snap)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := filepath.Join(scratch, "out")
	if err := src.Materialize(ctx, f, out); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	return out
}

func TestFileSource_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(live, []byte(`{"theme":"dark"}`), 0640); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource("settings", live, true)
	if err := src.Available(); err != nil {
		t.Fatalf("Available() error = %v", err)
	}

	out := roundTrip(t, src)
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"theme":"dark"}` {
		t.Errorf("materialized = %q", got)
	}
	info, _ := os.Stat(out)
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %o, want 640", info.Mode().Perm())
	}
}

func TestFileSource_Unavailable(t *testing.T) {
	dir := t.TempDir()

	missing := NewFileSource("m", filepath.Join(dir, "nope"), true)
	err := missing.Available()
	if !errors.Is(err, keep.ErrResourceUnavailable) || !errors.Is(err, iofs.ErrNotExist) {
		t.Errorf("Available() on missing file = %v, want ErrResourceUnavailable and ErrNotExist", err)
	}

	isDir := NewFileSource("d", dir, true)
	if err := isDir.Available(); !errors.Is(err, keep.ErrResourceUnavailable) {
		t.Errorf("Available() on directory = %v, want ErrResourceUnavailable", err)
	}
}

func TestFileSource_LockedByWriter(t *testing.T) {
	live := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(live, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	writer := flock.New(live)
	ok, err := writer.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer writer.Unlock()

	src := NewFileSource("data", live, true)
	err = src.Capture(context.Background(), filepath.Join(t.TempDir(), "snap"))
	if !errors.Is(err, keep.ErrResourceUnavailable) {
		t.Errorf("Capture() of locked file = %v, want ErrResourceUnavailable", err)
	}
}

func TestDirSource_RoundTrip(t *testing.T) {
	live := t.TempDir()
	mustWrite(t, filepath.Join(live, "a.txt"), "alpha", 0644)
	mustWrite(t, filepath.Join(live, "debug.log"), "noise", 0644)
	mustWrite(t, filepath.Join(live, "sub", "b.txt"), "beta", 0600)
	mustWrite(t, filepath.Join(live, "cache", "blob"), "skip me", 0644)
	mustWrite(t, filepath.Join(live, ".keepignore"), "cache/\n", 0644)
	if err := os.Symlink("a.txt", filepath.Join(live, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(live, "sub"), 0750); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource("media", live, true, []string{"*.log"})
	if err := src.Available(); err != nil {
		t.Fatalf("Available() error = %v", err)
	}
	out := roundTrip(t, src)

	assertFile(t, filepath.Join(out, "a.txt"), "alpha")
	assertFile(t, filepath.Join(out, "sub", "b.txt"), "beta")
	for _, gone := range []string{"debug.log", "cache", ".keepignore"} {
		if _, err := os.Lstat(filepath.Join(out, gone)); !os.IsNotExist(err) {
			t.Errorf("%s present in restored tree, want excluded", gone)
		}
	}
	target, err := os.Readlink(filepath.Join(out, "link"))
	if err != nil || target != "a.txt" {
		t.Errorf("Readlink() = %q, %v; want a.txt", target, err)
	}
	info, err := os.Stat(filepath.Join(out, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("sub mode = %o, want 750", info.Mode().Perm())
	}
	info, _ = os.Stat(filepath.Join(out, "sub", "b.txt"))
	if info.Mode().Perm() != 0600 {
		t.Errorf("b.txt mode = %o, want 600", info.Mode().Perm())
	}
}

func TestDirSource_RejectsUnsafeEntries(t *testing.T) {
	for _, name := range []string{"../escape", "/etc/passwd", "a/../../b"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0600, Size: 1}); err != nil {
				t.Fatal(err)
			}
			tw.Write([]byte("x"))
			tw.Close()

			src := NewDirSource("d", t.TempDir(), true, nil)
			dst := filepath.Join(t.TempDir(), "out")
			if err := src.Materialize(context.Background(), &buf, dst); err == nil {
				t.Errorf("Materialize() with entry %q expected error", name)
			}
		})
	}
}

func TestSanitizeTarPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "./", want: "."},
		{in: "a/b/", want: "a/b"},
		{in: "a/./b", want: "a/b"},
		{in: "a/../b", want: "b"},
		{in: "..", wantErr: true},
		{in: "/abs", wantErr: true},
		{in: `a\b`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeTarPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("sanitizeTarPath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeTarPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteSource_RoundTrip(t *testing.T) {
	live := filepath.Join(t.TempDir(), "app.db")
	db, err := database.OpenConnection(live)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{
		"PRAGMA journal_mode = WAL",
		"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
		"INSERT INTO notes (body) VALUES ('first'), ('second')",
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	// The application keeps its connection open during capture.
	defer db.Close()

	src := NewSQLiteSource("db", live, true)
	if err := src.Available(); err != nil {
		t.Fatalf("Available() error = %v", err)
	}
	out := roundTrip(t, src)

	restored, err := database.OpenConnection(out)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	var n int
	if err := restored.QueryRow("SELECT COUNT(*) FROM notes").Scan(&n); err != nil {
		t.Fatalf("query restored db: %v", err)
	}
	if n != 2 {
		t.Errorf("restored rows = %d, want 2", n)
	}

	sidecars := src.Sidecars()
	if len(sidecars) != 3 || sidecars[0] != live+"-wal" {
		t.Errorf("Sidecars() = %v", sidecars)
	}
}

func TestSQLiteSource_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.db")
	mustWrite(t, path, "just some text, long enough", 0600)

	src := NewSQLiteSource("db", path, true)
	if err := src.Available(); !errors.Is(err, keep.ErrResourceUnavailable) {
		t.Errorf("Available() = %v, want ErrResourceUnavailable", err)
	}
}

func TestNewSourcesFromConfig(t *testing.T) {
	sources, err := NewSourcesFromConfig([]config.ResourceConfig{
		{Name: "s", Kind: "file", Path: "/a"},
		{Name: "m", Kind: "dir", Path: "/b", Optional: true},
		{Name: "d", Kind: "sqlite", Path: "/c"},
	})
	if err != nil {
		t.Fatalf("NewSourcesFromConfig() error = %v", err)
	}
	var kinds []string
	for _, s := range sources {
		kinds = append(kinds, s.Kind())
	}
	if strings.Join(kinds, ",") != "file,dir,sqlite" {
		t.Errorf("kinds = %v", kinds)
	}
	if sources[1].Required() {
		t.Error("optional dir resource reports Required() = true")
	}

	if _, err := NewSourceFromConfig(config.ResourceConfig{Name: "x", Kind: "fifo"}); err == nil {
		t.Error("NewSourceFromConfig() with unknown kind expected error")
	}
}

func mustWrite(t *testing.T, path, data string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), perm); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("reading %s: %v", path, err)
		return
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}
