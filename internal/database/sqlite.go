package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keep/internal/database/migrations"
	"keep/internal/keep"
	"keep/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteCatalog implements keep.Catalog on SQLite.
type SQLiteCatalog struct {
	db    *sql.DB
	path  string
	clock keep.Clock
}

var _ keep.Catalog = (*SQLiteCatalog)(nil)

// NewSQLiteCatalog opens the catalog at path. path can be a file path or
// ":memory:". A nil clock uses the real one.
func NewSQLiteCatalog(path string, clock keep.Clock) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteCatalogFromDB(db, path, clock), nil
}

// NewSQLiteCatalogFromDB wraps an existing connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteCatalogFromDB(db *sql.DB, path string, clock keep.Clock) *SQLiteCatalog {
	if clock == nil {
		clock = keep.RealClock{}
	}
	return &SQLiteCatalog{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// PRAGMAs are per connection, and every ":memory:" connection is a
	// separate database, so keep exactly one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate brings the schema up to date.
func (s *SQLiteCatalog) Migrate() error {
	return migrations.Up(s.db)
}

// CheckMigrations verifies the schema is at the version this binary expects.
func (s *SQLiteCatalog) CheckMigrations() error {
	return migrations.Check(s.db)
}

func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}

// Backup records

const backupColumns = `name, format_version, size_bytes, created_at_ns, checksum, salt,
	kdf_algorithm, kdf_key_len, kdf_time, kdf_memory_kib, kdf_threads, kdf_n, kdf_r, kdf_p, compression`

func (s *SQLiteCatalog) Append(ctx context.Context, rec *model.BackupRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backups (`+backupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.FormatVersion, rec.SizeBytes, rec.CreatedAt.UTC().UnixNano(), rec.Checksum, rec.Salt,
		rec.KDF.Algorithm, rec.KDF.KeyLen, rec.KDF.Time, rec.KDF.MemoryKiB, rec.KDF.Threads,
		rec.KDF.N, rec.KDF.R, rec.KDF.P, rec.Compression,
	)
	if err != nil {
		return fmt.Errorf("inserting backup %s: %w", rec.Name, err)
	}

	for i, res := range rec.Resources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_resources (backup_name, position, name, kind, size_bytes, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Name, i, res.Name, res.Kind, res.Size, res.Checksum,
		)
		if err != nil {
			return fmt.Errorf("inserting resource %s of %s: %w", res.Name, rec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing backup %s: %w", rec.Name, err)
	}
	return nil
}

func (s *SQLiteCatalog) List(ctx context.Context) ([]*model.BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM backups ORDER BY created_at_ns, name`)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var recs []*model.BackupRecord
	byName := make(map[string]*model.BackupRecord)
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		byName[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	rows.Close()

	resRows, err := s.db.QueryContext(ctx,
		`SELECT backup_name, name, kind, size_bytes, checksum FROM backup_resources ORDER BY backup_name, position`)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		var backupName string
		var res model.ResourceInfo
		if err := resRows.Scan(&backupName, &res.Name, &res.Kind, &res.Size, &res.Checksum); err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		if rec, ok := byName[backupName]; ok {
			rec.Resources = append(rec.Resources, res)
		}
	}
	if err := resRows.Err(); err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	return recs, nil
}

// Get returns the named backup, or nil if it does not exist.
func (s *SQLiteCatalog) Get(ctx context.Context, name string) (*model.BackupRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE name = ?`, name)
	rec, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, size_bytes, checksum FROM backup_resources WHERE backup_name = ? ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("reading resources of %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var res model.ResourceInfo
		if err := rows.Scan(&res.Name, &res.Kind, &res.Size, &res.Checksum); err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		rec.Resources = append(rec.Resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading resources of %s: %w", name, err)
	}
	return rec, nil
}

func (s *SQLiteCatalog) Remove(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_resources WHERE backup_name = ?`, name); err != nil {
		return fmt.Errorf("deleting resources of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting backup %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing removal of %s: %w", name, err)
	}
	return nil
}

// Reconcile removes every entry for which exists reports false and returns
// the removed names.
func (s *SQLiteCatalog) Reconcile(ctx context.Context, exists func(name string) (bool, error)) ([]string, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, rec := range recs {
		ok, err := exists(rec.Name)
		if err != nil {
			return removed, fmt.Errorf("checking %s: %w", rec.Name, err)
		}
		if ok {
			continue
		}
		if err := s.Remove(ctx, rec.Name); err != nil {
			return removed, err
		}
		removed = append(removed, rec.Name)
	}
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (*model.BackupRecord, error) {
	var rec model.BackupRecord
	var createdAt int64
	err := row.Scan(
		&rec.Name, &rec.FormatVersion, &rec.SizeBytes, &createdAt, &rec.Checksum, &rec.Salt,
		&rec.KDF.Algorithm, &rec.KDF.KeyLen, &rec.KDF.Time, &rec.KDF.MemoryKiB, &rec.KDF.Threads,
		&rec.KDF.N, &rec.KDF.R, &rec.KDF.P, &rec.Compression,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning backup: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// Operations

func (s *SQLiteCatalog) CreateOperation(ctx context.Context, operation, backupName string) (*model.Operation, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation, backup_name, started_at, status) VALUES (?, ?, ?, 'running')`,
		operation, backupName, now)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &model.Operation{
		ID:         id,
		Operation:  operation,
		BackupName: backupName,
		StartedAt:  now,
		Status:     "running",
	}, nil
}

func (s *SQLiteCatalog) FinishOperation(ctx context.Context, id int64, status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		s.clock.Now().UTC(), status, detail, id)
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing operation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("operation %d not found", id)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteCatalog) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, backup_name, started_at, finished_at, status, detail
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.BackupName, &op.StartedAt, &op.FinishedAt, &op.Status, &op.Detail); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// VacuumInto writes a consistent copy of the database behind db to dst.
// dst must not exist.
func VacuumInto(ctx context.Context, db *sql.DB, dst string) error {
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}

// DumpSchema returns the CREATE statements of every table and index except
// the migration bookkeeping, in the layout of schema.sql.
func DumpSchema(db *sql.DB) (string, error) {
	rows, err := db.Query(`
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString(schemaHeader)
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scan failed: %w", err)
		}
		b.WriteString(stmt)
		b.WriteString("\n\n")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("rows error: %w", err)
	}
	return b.String(), nil
}

const schemaHeader = `-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/files/*.sql

`
