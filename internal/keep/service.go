package keep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"keep/internal/fs"
	"keep/internal/model"
)

// DefaultLockWait bounds how long an operation waits for the system-wide lock.
const DefaultLockWait = 30 * time.Second

// Deps holds the collaborators of a KeepService.
type Deps struct {
	Catalog   Catalog
	Store     ArchiveStore
	Encryptor Encryptor
	Sources   []ResourceSource
	Workspace Workspace
	Locker    Locker
	Logger    Logger
	Clock     Clock
	IDGen     IDGenerator
	FileOps   FileOps // defaults to the OS
}

// Options tunes engine behaviour.
type Options struct {
	Compression string        // CompressionNone or CompressionXZ
	MaxAge      time.Duration // retention window; backups older than this are swept
	LockWait    time.Duration // how long to wait for the system-wide lock
	JournalPath string        // restore journal; defaults to <workspace>/restore.journal
}

// KeepService is the engine facade: it creates, lists, verifies, restores
// and deletes backups and enforces retention.
type KeepService struct {
	catalog   Catalog
	store     ArchiveStore
	encryptor Encryptor
	sources   []ResourceSource
	workspace Workspace
	locker    Locker
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	fileOps   FileOps
	opts      Options

	names     *nameLocks
	restoring atomic.Bool
}

// NewKeepService creates a KeepService from its dependencies.
func NewKeepService(deps Deps, opts Options) (*KeepService, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("catalog is required")
	case deps.Store == nil:
		return nil, errors.New("archive store is required")
	case deps.Encryptor == nil:
		return nil, errors.New("encryptor is required")
	case deps.Workspace == nil:
		return nil, errors.New("workspace is required")
	case deps.Locker == nil:
		return nil, errors.New("locker is required")
	}

	seen := make(map[string]bool)
	for _, src := range deps.Sources {
		if !ValidName(src.Name()) {
			return nil, fmt.Errorf("invalid resource name %q", src.Name())
		}
		if seen[src.Name()] {
			return nil, fmt.Errorf("duplicate resource name %q", src.Name())
		}
		seen[src.Name()] = true
	}

	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDGen == nil {
		deps.IDGen = UUIDGenerator{}
	}
	if deps.FileOps == nil {
		deps.FileOps = fs.OSFileOps{}
	}

	switch opts.Compression {
	case "":
		opts.Compression = CompressionNone
	case CompressionNone, CompressionXZ:
	default:
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", opts.MaxAge)
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.JournalPath == "" {
		opts.JournalPath = filepath.Join(deps.Workspace.Root(), "restore.journal")
	}

	return &KeepService{
		catalog:   deps.Catalog,
		store:     deps.Store,
		encryptor: deps.Encryptor,
		sources:   deps.Sources,
		workspace: deps.Workspace,
		locker:    deps.Locker,
		logger:    deps.Logger,
		clock:     deps.Clock,
		idgen:     deps.IDGen,
		fileOps:   deps.FileOps,
		opts:      opts,
		names:     newNameLocks(),
	}, nil
}

// ListBackups returns every catalogued backup ordered oldest first. Entries
// whose archive is no longer on the store are dropped from the catalog first.
func (s *KeepService) ListBackups(ctx context.Context) ([]*model.BackupRecord, error) {
	if _, err := s.dropMissing(ctx); err != nil {
		return nil, err
	}
	recs, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	return recs, nil
}

// GetBackup returns the named backup or ErrBackupNotFound.
func (s *KeepService) GetBackup(ctx context.Context, name string) (*model.BackupRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrBackupNotFound)
	}
	rec, err := s.catalog.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	return rec, nil
}

// DeleteBackup removes the archive and then its catalog entry.
func (s *KeepService) DeleteBackup(ctx context.Context, name string) error {
	if _, err := s.GetBackup(ctx, name); err != nil {
		return err
	}
	lease, err := s.acquire(ctx, "delete")
	if err != nil {
		return err
	}
	defer s.release(lease)

	unlock := s.names.Lock(name)
	defer unlock()
	return s.deleteLocked(ctx, name)
}

// deleteLocked removes the archive before the entry, so a crash in between
// leaves an entry whose archive is missing, which Recover removes.
func (s *KeepService) deleteLocked(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting archive %s: %w", name, err)
	}
	if err := s.catalog.Remove(ctx, name); err != nil {
		return fmt.Errorf("removing catalog entry %s: %w", name, err)
	}
	s.logger.Info("backup deleted", "name", name)
	return nil
}

// RestoreInProgress reports whether this process is replacing live state.
func (s *KeepService) RestoreInProgress() bool {
	return s.restoring.Load()
}

// LockStatus returns the current holder of the system-wide lock, or nil.
func (s *KeepService) LockStatus() (*model.Lease, error) {
	return s.locker.Status()
}

// MaxAge returns the retention window.
func (s *KeepService) MaxAge() time.Duration {
	return s.opts.MaxAge
}

func (s *KeepService) acquire(ctx context.Context, operation string) (*model.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()
	lease, err := s.locker.Acquire(ctx, operation)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("lock acquired", "operation", operation, "holder", lease.Holder)
	return lease, nil
}

func (s *KeepService) release(lease *model.Lease) {
	if err := s.locker.Release(lease); err != nil {
		s.logger.Warn("releasing lock", "operation", lease.Operation, "error", err)
	}
}
