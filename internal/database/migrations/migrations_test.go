package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	tables := []string{"backups", "backup_resources", "operations", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("First Up() failed: %v", err)
	}
	if err := Up(db); err != nil {
		t.Errorf("Second Up() failed: %v", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after double migration returned error: %v", err)
	}
}

func TestLatest(t *testing.T) {
	v, err := Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if v != 2 {
		t.Errorf("Latest() = %d, want 2", v)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		migrate bool
		setup   string
		want    error
	}{
		{name: "fresh database", want: ErrUnversioned},
		{name: "migrated", migrate: true},
		{name: "older schema", migrate: true, setup: "UPDATE schema_migrations SET version = 1", want: ErrBehind},
		{name: "newer schema", migrate: true, setup: "UPDATE schema_migrations SET version = 99", want: ErrAhead},
		{name: "failed migration", migrate: true, setup: "UPDATE schema_migrations SET dirty = 1", want: ErrDirty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			defer db.Close()

			if tt.migrate {
				if err := Up(db); err != nil {
					t.Fatalf("Up() failed: %v", err)
				}
			}
			if tt.setup != "" {
				mustExec(t, db, tt.setup)
			}

			err := Check(db)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Check() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Check() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// A resource row must belong to an existing backup.
	_, err := db.Exec(`
		INSERT INTO backup_resources (backup_name, position, name, kind, size_bytes, checksum)
		VALUES ('missing', 0, 'settings', 'file', 1, 'abc')
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_BackupResourcesCascade(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	mustExec(t, db, `INSERT INTO backups (name, format_version, size_bytes, created_at_ns, checksum, salt, kdf_algorithm, kdf_key_len)
		VALUES ('b1', 1, 10, 1, 'sum', x'00', 'argon2id', 32)`)
	mustExec(t, db, `INSERT INTO backup_resources (backup_name, position, name, kind, size_bytes, checksum)
		VALUES ('b1', 0, 'settings', 'file', 1, 'abc')`)
	mustExec(t, db, `DELETE FROM backups WHERE name = 'b1'`)

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM backup_resources").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("backup_resources rows = %d after deleting backup, want 0", n)
	}
}

func TestSchema_ResourceNameUnique(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	mustExec(t, db, `INSERT INTO backups (name, format_version, size_bytes, created_at_ns, checksum, salt, kdf_algorithm, kdf_key_len)
		VALUES ('b1', 1, 10, 1, 'sum', x'00', 'argon2id', 32)`)
	mustExec(t, db, `INSERT INTO backup_resources (backup_name, position, name, kind, size_bytes, checksum)
		VALUES ('b1', 0, 'settings', 'file', 1, 'abc')`)

	_, err := db.Exec(`INSERT INTO backup_resources (backup_name, position, name, kind, size_bytes, checksum)
		VALUES ('b1', 1, 'settings', 'file', 1, 'abc')`)
	if err == nil {
		t.Error("Expected unique constraint violation for duplicate resource name, but insert succeeded")
	}
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// openTestDB opens an in-memory SQLite database for testing.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
