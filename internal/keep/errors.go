package keep

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors returned by the engine. Callers match them with errors.Is;
// most are wrapped with detail about the resource or backup involved.
var (
	ErrEmptyPassphrase     = errors.New("passphrase must not be empty")
	ErrBackupNotFound      = errors.New("backup not found")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrEncryptionFailure   = errors.New("encryption failed")
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrVerificationFailed  = errors.New("backup verification failed")
	ErrPartialReplacement  = errors.New("restore failed and was rolled back")
	ErrUnrecoverableState  = errors.New("restore failed and rollback did not complete")
	ErrLocked              = errors.New("another operation holds the lock")
	ErrArchiveMissing      = errors.New("archive missing")
)

// Category groups errors the way a caller is expected to react to them.
type Category int

const (
	CategoryNone        Category = iota
	CategoryInput                // bad request; fix the input and retry
	CategoryIntegrity            // the archive cannot be trusted
	CategoryResource             // environment problem; retry later
	CategoryConsistency          // live state may need attention
	CategoryInternal             // anything else
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryInput:
		return "input"
	case CategoryIntegrity:
		return "integrity"
	case CategoryResource:
		return "resource"
	case CategoryConsistency:
		return "consistency"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the engine to its Category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrUnrecoverableState), errors.Is(err, ErrPartialReplacement):
		return CategoryConsistency
	case errors.Is(err, ErrEmptyPassphrase), errors.Is(err, ErrBackupNotFound):
		return CategoryInput
	case errors.Is(err, ErrDecryptionFailed), errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrArchiveMissing):
		return CategoryIntegrity
	case errors.Is(err, ErrResourceUnavailable), errors.Is(err, ErrInsufficientStorage),
		errors.Is(err, ErrEncryptionFailure), errors.Is(err, ErrLocked):
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// UserMessage renders err for an end user. Integrity failures never say
// whether the passphrase or the archive was at fault.
func UserMessage(err error) string {
	var verr *VerificationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnrecoverableState):
		return "Restore failed and the previous state could not be fully recovered. Inspect the restore journal before retrying."
	case errors.Is(err, ErrPartialReplacement):
		return "Restore failed. Your data was returned to its state before the restore."
	case errors.Is(err, ErrEmptyPassphrase):
		return "A passphrase is required."
	case errors.Is(err, ErrBackupNotFound):
		return "No backup with that name exists."
	case errors.As(err, &verr) && verr.Reason == ReasonArchiveMissing:
		return "The backup archive is missing from storage."
	case errors.Is(err, ErrDecryptionFailed), errors.Is(err, ErrVerificationFailed):
		return "The backup could not be verified. The passphrase may be wrong or the archive may be damaged."
	case errors.Is(err, ErrInsufficientStorage):
		return "Not enough free storage to complete the operation."
	case errors.Is(err, ErrResourceUnavailable):
		return fmt.Sprintf("A resource could not be read: %v", err)
	case errors.Is(err, ErrLocked):
		return "Another backup operation is in progress. Try again later."
	case errors.Is(err, ErrEncryptionFailure):
		return "The backup could not be encrypted."
	default:
		return fmt.Sprintf("Operation failed: %v", err)
	}
}

// VerificationError carries the reason a backup failed verification.
type VerificationError struct {
	Name   string
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("backup %s: %s", e.Name, e.Reason)
}

func (e *VerificationError) Unwrap() error { return ErrVerificationFailed }

// storageError tags out-of-space write failures with ErrInsufficientStorage.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) && !errors.Is(err, ErrInsufficientStorage) {
		return fmt.Errorf("%w: %w", ErrInsufficientStorage, err)
	}
	return err
}
