package keep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RecoveryReport summarizes what Recover repaired.
type RecoveryReport struct {
	RolledBack     string   // backup whose interrupted restore was rolled back
	Completed      string   // backup whose finished restore was cleaned up
	RemovedEntries []string // catalog entries whose archive was missing
	RemovedOrphans []string // archives with no catalog entry
}

// Recover repairs state left behind by a crash: it rolls back or finishes an
// interrupted restore, drops catalog entries whose archive is gone, deletes
// archives that were never catalogued and clears abandoned staging
// directories. It is meant to run at startup, before other operations.
func (s *KeepService) Recover(ctx context.Context) (*RecoveryReport, error) {
	lease, err := s.acquire(ctx, "recover")
	if err != nil {
		return nil, err
	}
	defer s.release(lease)

	report := &RecoveryReport{}

	j, err := readJournal(s.opts.JournalPath)
	if err != nil {
		return nil, err
	}
	if j != nil {
		if j.Completed {
			s.finishRestore(j)
			report.Completed = j.Backup
			s.logger.Info("finished cleanup of completed restore", "backup", j.Backup)
		} else {
			if rerr := s.rollback(j); rerr != nil {
				return nil, s.unrecoverable(j, errors.New("interrupted restore"), rerr)
			}
			if err := removeJournal(s.opts.JournalPath); err != nil {
				return nil, err
			}
			report.RolledBack = j.Backup
			s.logger.Warn("rolled back interrupted restore", "backup", j.Backup)
		}
	}

	if err := s.reconcile(ctx, report); err != nil {
		return nil, err
	}
	s.clearStaging()
	return report, nil
}

// dropMissing removes catalog entries whose archive is gone from the store.
// Archives are published before they are catalogued and deleted before they
// are uncatalogued, so this is safe without the system lock.
func (s *KeepService) dropMissing(ctx context.Context) ([]string, error) {
	removed, err := s.catalog.Reconcile(ctx, func(name string) (bool, error) {
		_, err := s.store.Stat(ctx, name)
		if errors.Is(err, ErrArchiveMissing) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling catalog: %w", err)
	}
	for _, name := range removed {
		s.logger.Warn("removed catalog entry with missing archive", "name", name)
	}
	return removed, nil
}

func (s *KeepService) reconcile(ctx context.Context, report *RecoveryReport) error {
	removed, err := s.dropMissing(ctx)
	if err != nil {
		return err
	}
	report.RemovedEntries = removed

	recs, err := s.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		known[rec.Name] = true
	}

	names, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}
	for _, name := range names {
		if known[name] || !strings.HasPrefix(name, "keep-") {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("deleting orphan archive %s: %w", name, err)
		}
		report.RemovedOrphans = append(report.RemovedOrphans, name)
		s.logger.Warn("deleted archive with no catalog entry", "name", name)
	}
	return nil
}

// clearStaging removes scratch directories left by crashed operations.
func (s *KeepService) clearStaging() {
	entries, err := os.ReadDir(s.workspace.Root())
	if err != nil {
		s.logger.Warn("reading staging directory", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), "create-") && !strings.HasPrefix(e.Name(), "restore-") {
			continue
		}
		path := filepath.Join(s.workspace.Root(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("removing abandoned staging directory", "path", path, "error", err)
		}
	}
}
