package resource

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"keep/internal/database"
	"keep/internal/keep"
)

// sqliteMagic opens every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// SQLiteSource is a SQLite database. It is captured with VACUUM INTO, which
// reads a single transaction, so the copy is consistent while the
// application keeps writing.
type SQLiteSource struct {
	name     string
	path     string
	required bool
}

var (
	_ keep.ResourceSource = (*SQLiteSource)(nil)
	_ keep.SidecarSource  = (*SQLiteSource)(nil)
)

func NewSQLiteSource(name, path string, required bool) *SQLiteSource {
	return &SQLiteSource{name: name, path: path, required: required}
}

func (s *SQLiteSource) Name() string   { return s.name }
func (s *SQLiteSource) Kind() string   { return keep.KindSQLite }
func (s *SQLiteSource) Path() string   { return s.path }
func (s *SQLiteSource) Required() bool { return s.required }

// Sidecars are the journal files SQLite keeps next to the database. A
// restored database must not be paired with the old ones.
func (s *SQLiteSource) Sidecars() []string {
	return []string{s.path + "-wal", s.path + "-shm", s.path + "-journal"}
}

func (s *SQLiteSource) Available() error {
	info, err := os.Lstat(s.path)
	if err != nil {
		return unavailable(s.path, err)
	}
	if !info.Mode().IsRegular() {
		return unavailable(s.path, errors.New("not a regular file"))
	}
	return checkMagic(s.path)
}

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return unavailable(path, err)
	}
	defer f.Close()
	head := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, sqliteMagic) {
		return unavailable(path, errors.New("not a SQLite database"))
	}
	return nil
}

func (s *SQLiteSource) Capture(ctx context.Context, dst string) error {
	db, err := database.OpenConnection(existingDSN(s.path))
	if err != nil {
		return unavailable(s.path, err)
	}
	defer db.Close()

	if err := database.VacuumInto(ctx, db, dst); err != nil {
		return fmt.Errorf("snapshotting %s: %w", s.path, err)
	}
	if err := quickCheck(ctx, dst); err != nil {
		return fmt.Errorf("snapshot of %s: %w", s.path, err)
	}
	return nil
}

// Materialize writes the captured database to dst and checks it opens.
func (s *SQLiteSource) Materialize(ctx context.Context, r io.Reader, dst string) error {
	if _, err := writeFile(ctx, dst, r, livePerm(s.path, defaultPerm)); err != nil {
		return err
	}
	return quickCheck(ctx, dst)
}

// existingDSN opens path read-write without creating it. Read-only mode
// cannot open a WAL database whose -shm file is missing.
func existingDSN(path string) string {
	u := url.URL{Scheme: "file", Path: path, RawQuery: "mode=rw"}
	return u.String()
}

// quickCheck runs PRAGMA quick_check on the database at path.
func quickCheck(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", existingDSN(path))
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("database %s failed integrity check: %s", path, result)
	}
	return nil
}
