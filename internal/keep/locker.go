package keep

import (
	"context"

	"keep/internal/model"
)

// Locker is the system-wide lock that serializes mutating operations across
// processes.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. When ctx ends
	// first the error wraps ErrLocked.
	Acquire(ctx context.Context, operation string) (*model.Lease, error)
	Release(lease *model.Lease) error
	// Status returns the current lease, or nil if the lock is free.
	Status() (*model.Lease, error)
}
