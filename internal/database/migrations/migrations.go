// Package migrations holds the versioned catalog schema and applies it with
// golang-migrate. The SQL files are embedded so a keep binary always carries
// the schema it was built against.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var catalogSchema embed.FS

// Schema states reported by Check.
var (
	ErrUnversioned = errors.New("catalog has no schema version; run migrations first")
	ErrDirty       = errors.New("catalog schema is dirty after a failed migration")
	ErrBehind      = errors.New("catalog schema is older than this binary")
	ErrAhead       = errors.New("catalog schema is newer than this binary")
)

// Check reports whether the catalog schema is at the version this binary
// ships. A mismatch wraps one of the Err values above.
//
// The migrate instance is not closed: closing it closes db, which the
// caller owns.
func Check(db *sql.DB) error {
	m, err := open(db)
	if err != nil {
		return err
	}
	current, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return ErrUnversioned
	case err != nil:
		return fmt.Errorf("reading catalog schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w (version %d)", ErrDirty, current)
	}

	shipped, err := Latest()
	if err != nil {
		return err
	}
	if current < shipped {
		return fmt.Errorf("%w: at version %d, binary ships %d", ErrBehind, current, shipped)
	}
	if current > shipped {
		return fmt.Errorf("%w: at version %d, binary ships %d", ErrAhead, current, shipped)
	}
	return nil
}

// Up applies every pending migration. An up-to-date catalog is not an error.
func Up(db *sql.DB) error {
	m, err := open(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating catalog schema: %w", err)
	}
	return nil
}

// Latest returns the highest schema version embedded in the binary.
func Latest() (uint, error) {
	src, err := iofs.New(catalogSchema, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded schema: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func open(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(catalogSchema, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("preparing catalog for migration: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("preparing catalog for migration: %w", err)
	}
	return m, nil
}

// lastVersion walks src from its first migration to the end.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("embedded schema has no migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading migration after version %d: %w", v, err)
		}
		v = next
	}
}
