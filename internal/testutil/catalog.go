package testutil

import (
	"testing"

	"keep/internal/database"
	"keep/internal/keep"
)

// NewTestCatalog creates an in-memory catalog with the schema applied.
// The catalog is closed when the test completes.
func NewTestCatalog(t *testing.T, clock keep.Clock) *database.SQLiteCatalog {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := sqlDB.Exec(database.Schema); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	cat := database.NewSQLiteCatalogFromDB(sqlDB, ":memory:", clock)
	t.Cleanup(func() {
		cat.Close()
	})
	return cat
}
