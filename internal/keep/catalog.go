package keep

import (
	"context"

	"keep/internal/model"
)

// Catalog is the durable index of published backups and of the operations
// run against them. Implementations must make each call atomic.
type Catalog interface {
	// Append records a newly published backup. Appending a name that is
	// already present is an error.
	Append(ctx context.Context, rec *model.BackupRecord) error
	// List returns every backup ordered by creation time, then name.
	List(ctx context.Context) ([]*model.BackupRecord, error)
	// Get returns the named backup, or nil if it is not in the catalog.
	Get(ctx context.Context, name string) (*model.BackupRecord, error)
	// Remove deletes the named entry. Removing an absent entry is not an error.
	Remove(ctx context.Context, name string) error
	// Reconcile removes every entry for which exists reports false and
	// returns the removed names.
	Reconcile(ctx context.Context, exists func(name string) (bool, error)) ([]string, error)

	CreateOperation(ctx context.Context, operation, backupName string) (*model.Operation, error)
	FinishOperation(ctx context.Context, id int64, status, detail string) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)

	Close() error
}
