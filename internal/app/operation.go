package app

import "keep/internal/keep"

// Operation tracks a CLI command that changes backups or live state.
// Operations are created in memory with ID=0. Only mutating commands
// persist them to the catalog's history.
type Operation struct {
	ID         int64
	Operation  string
	BackupName string
	Status     string // "success" or "error"
	Detail     string
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, backupName string) *Operation {
	return &Operation{
		Operation:  operation,
		BackupName: backupName,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the catalog.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed. The detail is the user-facing
// message so internal causes never reach the history.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	op.Detail = keep.UserMessage(err)
}
