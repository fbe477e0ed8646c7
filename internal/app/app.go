package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/juju/clock"

	"keep/internal/config"
	"keep/internal/database"
	"keep/internal/encryption"
	"keep/internal/jobs"
	"keep/internal/keep"
	"keep/internal/lock"
	"keep/internal/model"
	"keep/internal/resource"
	"keep/internal/staging"
	"keep/internal/store"
)

// pollInterval is how often a running job's progress is reported.
const pollInterval = 200 * time.Millisecond

// KeepApp is the application layer between the CLI and KeepService.
// It constructs all dependencies from config, records mutating commands in
// the operation history, and releases everything on Close.
type KeepApp struct {
	cfg       *config.Config
	catalog   *database.SQLiteCatalog
	service   *keep.KeepService
	runner    *jobs.Runner
	logger    *slog.Logger
	logFile   io.Closer
	op        *Operation
	recovered bool
}

// NewKeepApp creates a fully wired KeepApp from the given config.
// operation identifies the CLI command being run (e.g. "create", "restore").
// The caller must call Close when done.
func NewKeepApp(ctx context.Context, cfg *config.Config, operation string) (*KeepApp, error) {
	return newKeepApp(ctx, cfg, operation, os.Stderr)
}

func newKeepApp(ctx context.Context, cfg *config.Config, operation string, stderr io.Writer) (*KeepApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, cfg.Log, opID, stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			logFile.Close()
		}
	}()

	catalog, err := database.NewCatalogFromConfig(cfg.Catalog, cfg.HostID, keep.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("creating catalog: %w", err)
	}
	defer func() {
		if !ok {
			catalog.Close()
		}
	}()
	if err := catalog.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}

	st, err := store.NewStoreFromConfig(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := st.ValidateSetup(ctx); err != nil {
		return nil, fmt.Errorf("checking store: %w", err)
	}

	ws, err := staging.NewWorkspaceFromConfig(cfg.Staging)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ttl, err := cfg.Lock.LeaseTTL()
	if err != nil {
		return nil, err
	}
	wait, err := cfg.Lock.WaitTimeout()
	if err != nil {
		return nil, err
	}
	locker, err := lock.NewFileLock(cfg.Lock.Dir, ttl, keep.RealClock{}, keep.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("creating lock: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, ws.Root())
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	sources, err := resource.NewSourcesFromConfig(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("creating resources: %w", err)
	}

	adapter := &slogAdapter{l: logger}
	svc, err := keep.NewKeepService(keep.Deps{
		Catalog:   catalog,
		Store:     st,
		Encryptor: enc,
		Sources:   sources,
		Workspace: ws,
		Locker:    locker,
		Logger:    adapter,
		Clock:     keep.RealClock{},
		IDGen:     keep.UUIDGenerator{},
	}, keep.Options{
		Compression: cfg.Archive.Compression,
		MaxAge:      cfg.Retention.MaxAge(),
		LockWait:    wait,
	})
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}

	ok = true
	return &KeepApp{
		cfg:     cfg,
		catalog: catalog,
		service: svc,
		runner:  jobs.NewRunner(cfg.Jobs.Workers, keep.RealClock{}, keep.UUIDGenerator{}, adapter),
		logger:  logger,
		logFile: logFile,
		op:      NewOperation(operation, ""),
	}, nil
}

// persistOperation saves the operation to the catalog history.
// This should only be called for mutating commands.
func (a *KeepApp) persistOperation(ctx context.Context, backupName string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.BackupName = backupName
	dbOp, err := a.catalog.CreateOperation(ctx, a.op.Operation, backupName)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// begin persists the operation and repairs any state a crashed process
// left behind. It is called by every command that changes backups or live state.
func (a *KeepApp) begin(ctx context.Context, backupName string) error {
	if err := a.persistOperation(ctx, backupName); err != nil {
		return err
	}
	if a.recovered {
		return nil
	}
	report, err := a.service.Recover(ctx)
	if err != nil {
		return err
	}
	a.recovered = true
	logReport(a.logger, report)
	return nil
}

func logReport(logger *slog.Logger, r *keep.RecoveryReport) {
	if r.RolledBack != "" {
		logger.Warn("rolled back interrupted restore", "backup", r.RolledBack)
	}
	if r.Completed != "" {
		logger.Info("finished interrupted restore", "backup", r.Completed)
	}
	for _, name := range r.RemovedEntries {
		logger.Warn("dropped catalog entry with missing archive", "backup", name)
	}
	for _, name := range r.RemovedOrphans {
		logger.Warn("deleted uncatalogued archive", "backup", name)
	}
}

// finish records the outcome of the operation and passes err through.
func (a *KeepApp) finish(err error) error {
	a.op.Fail(err)
	return err
}

// runJob runs fn on the job runner, calling watch with the job status until
// it finishes. Cancelling ctx cancels the job.
func (a *KeepApp) runJob(ctx context.Context, kind string, fn jobs.Func, watch func(jobs.Status)) (any, error) {
	id, err := a.runner.Submit(kind, fn)
	if err != nil {
		return nil, err
	}
	if watch == nil {
		watch = func(jobs.Status) {}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	done := make(chan jobs.Status, 1)
	go func() {
		st, _ := a.runner.Wait(context.Background(), id)
		done <- st
	}()

	for {
		select {
		case st := <-done:
			watch(st)
			return st.Result, st.Err
		case <-ticker.C:
			if st, err := a.runner.Get(id); err == nil {
				watch(st)
			}
		case <-ctx.Done():
			a.runner.Cancel(id)
			st := <-done
			watch(st)
			if st.Err == nil {
				return st.Result, nil
			}
			return nil, ctx.Err()
		}
	}
}

// CreateBackup captures every configured resource into a new encrypted archive.
func (a *KeepApp) CreateBackup(ctx context.Context, passphrase string, watch func(jobs.Status)) (*model.BackupRecord, error) {
	if err := a.begin(ctx, ""); err != nil {
		return nil, a.finish(err)
	}
	res, err := a.runJob(ctx, "create", func(ctx context.Context) (any, error) {
		return a.service.CreateBackup(ctx, passphrase)
	}, watch)
	if err != nil {
		return nil, a.finish(err)
	}
	rec := res.(*model.BackupRecord)
	a.op.BackupName = rec.Name
	a.op.Detail = rec.Name
	return rec, nil
}

// ListBackups returns catalogued backups, oldest first. Entries whose archive
// has gone missing are dropped from the catalog before listing.
func (a *KeepApp) ListBackups(ctx context.Context) ([]*model.BackupRecord, error) {
	return a.service.ListBackups(ctx)
}

// VerifyBackup checks an archive without touching live state.
func (a *KeepApp) VerifyBackup(ctx context.Context, name, passphrase string, watch func(jobs.Status)) (keep.VerifyResult, error) {
	res, err := a.runJob(ctx, "verify", func(ctx context.Context) (any, error) {
		return a.service.VerifyBackup(ctx, name, passphrase)
	}, watch)
	if err != nil {
		return keep.VerifyResult{}, err
	}
	return res.(keep.VerifyResult), nil
}

// RestoreBackup replaces live state with the contents of the named backup.
func (a *KeepApp) RestoreBackup(ctx context.Context, name, passphrase string, watch func(jobs.Status)) error {
	if err := a.begin(ctx, name); err != nil {
		return a.finish(err)
	}
	_, err := a.runJob(ctx, "restore", func(ctx context.Context) (any, error) {
		return nil, a.service.RestoreBackup(ctx, name, passphrase)
	}, watch)
	return a.finish(err)
}

// DeleteBackup removes the named backup regardless of its age.
func (a *KeepApp) DeleteBackup(ctx context.Context, name string) error {
	if err := a.begin(ctx, name); err != nil {
		return a.finish(err)
	}
	return a.finish(a.service.DeleteBackup(ctx, name))
}

// Sweep deletes every backup older than the retention window once.
func (a *KeepApp) Sweep(ctx context.Context) ([]string, error) {
	if err := a.begin(ctx, ""); err != nil {
		return nil, a.finish(err)
	}
	deleted, err := a.service.RunRetentionSweep(ctx)
	if err == nil && len(deleted) > 0 {
		a.op.Detail = fmt.Sprintf("deleted %d backup(s)", len(deleted))
	}
	return deleted, a.finish(err)
}

// RunRetention sweeps on the configured interval until ctx is cancelled.
func (a *KeepApp) RunRetention(ctx context.Context, clk clock.Clock) error {
	interval, err := a.cfg.Retention.Interval()
	if err != nil {
		return err
	}
	if err := a.begin(ctx, ""); err != nil {
		return a.finish(err)
	}
	err = a.service.RunRetentionSchedule(ctx, clk, interval)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return a.finish(err)
}

// Recover repairs state left by an interrupted operation.
func (a *KeepApp) Recover(ctx context.Context) (*keep.RecoveryReport, error) {
	if err := a.persistOperation(ctx, ""); err != nil {
		return nil, err
	}
	report, err := a.service.Recover(ctx)
	if err != nil {
		return nil, a.finish(err)
	}
	a.recovered = true
	logReport(a.logger, report)
	return report, nil
}

// LockStatus returns the current lock holder, or nil when the lock is free.
func (a *KeepApp) LockStatus() (*model.Lease, error) {
	return a.service.LockStatus()
}

// GetHistory returns the most recent operations.
func (a *KeepApp) GetHistory(ctx context.Context, limit int) ([]*model.Operation, error) {
	return a.catalog.ListOperations(ctx, limit)
}

// Jobs returns the status of every job run by this process.
func (a *KeepApp) Jobs() []jobs.Status {
	return a.runner.List()
}

// MaxAge returns the retention window.
func (a *KeepApp) MaxAge() time.Duration {
	return a.service.MaxAge()
}

// Close finalizes the operation record and closes all resources.
func (a *KeepApp) Close() error {
	var firstErr error

	a.runner.Close()

	if a.op.Persisted() {
		if err := a.catalog.FinishOperation(context.Background(), a.op.ID, a.op.Status, a.op.Detail); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}

	if err := a.catalog.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing catalog: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
