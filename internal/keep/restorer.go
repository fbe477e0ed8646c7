package keep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"keep/internal/model"
)

// RestoreBackup replaces live state with the contents of the named backup.
// The archive is fully verified and staged before anything live is touched.
// If replacement fails part way, every replaced resource is put back and the
// error wraps ErrPartialReplacement; if that rollback fails too, the error
// wraps ErrUnrecoverableState and the journal is left for inspection.
func (s *KeepService) RestoreBackup(ctx context.Context, name, passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	rec, err := s.GetBackup(ctx, name)
	if err != nil {
		return err
	}

	lease, err := s.acquire(ctx, "restore")
	if err != nil {
		return err
	}
	defer s.release(lease)

	unlock := s.names.Lock(name)
	defer unlock()

	pending, err := readJournal(s.opts.JournalPath)
	if err != nil {
		return err
	}
	if pending != nil {
		return fmt.Errorf("%w: restore journal %s from an earlier run must be recovered first", ErrUnrecoverableState, s.opts.JournalPath)
	}

	sources := make(map[string]ResourceSource, len(s.sources))
	for _, src := range s.sources {
		sources[src.Name()] = src
	}
	for _, info := range rec.Resources {
		src, ok := sources[info.Name]
		if !ok {
			return fmt.Errorf("%w: backup contains %q, which is not configured", ErrResourceUnavailable, info.Name)
		}
		if src.Kind() != info.Kind {
			return fmt.Errorf("%w: resource %q is a %s, backup holds a %s", ErrResourceUnavailable, info.Name, src.Kind(), info.Kind)
		}
	}

	stageDir, err := s.workspace.MkdirTemp("restore-*")
	if err != nil {
		return storageError(fmt.Errorf("creating staging directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(stageDir); err != nil {
			s.logger.Warn("removing staging directory", "path", stageDir, "error", err)
		}
	}()

	progress := ProgressFrom(ctx)
	progress.Stage("verifying")
	progress.SetTotal(rec.SizeBytes)
	res, manifest, err := s.checkArchive(ctx, rec, passphrase, func(name string, r io.Reader) error {
		return writeSpool(filepath.Join(stageDir, name), io.TeeReader(r, progressWriter{progress}))
	})
	if err != nil {
		return err
	}
	if !res.Valid {
		return &VerificationError{Name: name, Reason: res.Reason}
	}

	progress.Stage("checking staged copies")
	for _, info := range manifest.Resources {
		src, ok := sources[info.Name]
		if !ok {
			return fmt.Errorf("%w: backup contains %q, which is not configured", ErrResourceUnavailable, info.Name)
		}
		got, err := describeSnapshot(src, filepath.Join(stageDir, info.Name))
		if err != nil {
			return err
		}
		if got.Size != info.Size || got.Checksum != info.Checksum {
			return &VerificationError{Name: name, Reason: ReasonChecksumMismatch}
		}
	}

	// Past this point the restore runs to completion or rolls back.
	ctx = context.WithoutCancel(ctx)
	s.restoring.Store(true)
	defer s.restoring.Store(false)

	j := s.planRestore(name, manifest.Resources, sources)
	if err := writeJournal(s.opts.JournalPath, j); err != nil {
		return storageError(err)
	}

	progress.Stage("preparing replacements")
	if err := s.prepareReplacements(ctx, j, sources, stageDir); err != nil {
		if rerr := s.rollback(j); rerr != nil {
			return s.unrecoverable(j, err, rerr)
		}
		if jerr := removeJournal(s.opts.JournalPath); jerr != nil {
			s.logger.Warn("removing restore journal", "error", jerr)
		}
		return storageError(err)
	}

	progress.Stage("replacing live state")
	for i := range j.Entries {
		if err := s.swapEntry(j, &j.Entries[i]); err != nil {
			s.logger.Warn("replacement failed, rolling back", "backup", name, "resource", j.Entries[i].Resource, "error", err)
			if rerr := s.rollback(j); rerr != nil {
				return s.unrecoverable(j, err, rerr)
			}
			if jerr := removeJournal(s.opts.JournalPath); jerr != nil {
				s.logger.Warn("removing restore journal", "error", jerr)
			}
			return fmt.Errorf("%w: %w", ErrPartialReplacement, err)
		}
	}

	j.Completed = true
	if err := writeJournal(s.opts.JournalPath, j); err != nil {
		s.logger.Warn("marking restore journal complete", "error", err)
	}
	s.finishRestore(j)

	s.logger.Info("backup restored", "name", name, "resources", len(manifest.Resources))
	return nil
}

// planRestore lays out new and old sibling paths for every live path.
func (s *KeepService) planRestore(name string, resources []model.ResourceInfo, sources map[string]ResourceSource) *restoreJournal {
	j := &restoreJournal{Backup: name, StartedAt: s.clock.Now().UTC()}
	for _, info := range resources {
		src := sources[info.Name]
		tag := shortID(s.idgen, 8)
		live := src.Path()
		j.Entries = append(j.Entries, journalEntry{
			Resource: info.Name,
			Live:     live,
			New:      siblingPath(live, ".keep-new-", tag),
			Old:      siblingPath(live, ".keep-old-", tag),
			HadLive:  s.exists(live),
			State:    statePrepared,
		})
		sc, ok := src.(SidecarSource)
		if !ok {
			continue
		}
		for _, path := range sc.Sidecars() {
			if !s.exists(path) {
				continue
			}
			j.Entries = append(j.Entries, journalEntry{
				Resource: info.Name,
				Live:     path,
				Old:      siblingPath(path, ".keep-old-", tag),
				HadLive:  true,
				State:    statePrepared,
			})
		}
	}
	return j
}

func (s *KeepService) prepareReplacements(ctx context.Context, j *restoreJournal, sources map[string]ResourceSource, stageDir string) error {
	for _, e := range j.Entries {
		if e.New == "" {
			continue
		}
		f, err := os.Open(filepath.Join(stageDir, e.Resource))
		if err != nil {
			return fmt.Errorf("opening staged %s: %w", e.Resource, err)
		}
		err = sources[e.Resource].Materialize(ctx, f, e.New)
		f.Close()
		if err != nil {
			return fmt.Errorf("materializing %s: %w", e.Resource, err)
		}
		if err := s.fileOps.SyncDir(filepath.Dir(e.New)); err != nil {
			s.logger.Debug("syncing directory", "path", filepath.Dir(e.New), "error", err)
		}
	}
	return nil
}

// swapEntry moves the live path aside and renames new content into place,
// journaling each step.
func (s *KeepService) swapEntry(j *restoreJournal, e *journalEntry) error {
	if e.HadLive {
		if err := s.fileOps.Rename(e.Live, e.Old); err != nil {
			return fmt.Errorf("moving %s aside: %w", e.Live, err)
		}
		e.State = stateMovedAside
		if err := writeJournal(s.opts.JournalPath, j); err != nil {
			return err
		}
	}
	if e.New != "" {
		if err := s.fileOps.Rename(e.New, e.Live); err != nil {
			return fmt.Errorf("replacing %s: %w", e.Live, err)
		}
		e.State = stateCommitted
		if err := writeJournal(s.opts.JournalPath, j); err != nil {
			return err
		}
	}
	if err := s.fileOps.SyncDir(filepath.Dir(e.Live)); err != nil {
		s.logger.Debug("syncing directory", "path", filepath.Dir(e.Live), "error", err)
	}
	return nil
}

// rollback returns every journaled path to its pre-restore state. It
// inspects the filesystem rather than trusting entry states, so it is safe
// to run again after a crash at any point.
func (s *KeepService) rollback(j *restoreJournal) error {
	var errs []error
	for i := len(j.Entries) - 1; i >= 0; i-- {
		if err := s.undoEntry(&j.Entries[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *KeepService) undoEntry(e *journalEntry) error {
	switch {
	case s.exists(e.Old):
		if s.exists(e.Live) {
			if err := s.fileOps.RemoveAll(e.Live); err != nil {
				return fmt.Errorf("removing restored %s: %w", e.Live, err)
			}
		}
		if err := s.fileOps.Rename(e.Old, e.Live); err != nil {
			return fmt.Errorf("putting back %s: %w", e.Live, err)
		}
	case !e.HadLive && e.New != "" && s.exists(e.Live) && !s.exists(e.New):
		// New content was renamed into a path that did not exist before.
		if err := s.fileOps.RemoveAll(e.Live); err != nil {
			return fmt.Errorf("removing restored %s: %w", e.Live, err)
		}
	}
	if e.New != "" && s.exists(e.New) {
		if err := s.fileOps.RemoveAll(e.New); err != nil {
			return fmt.Errorf("removing staged %s: %w", e.New, err)
		}
	}
	e.State = statePrepared
	return nil
}

// finishRestore drops the moved-aside copies of a completed restore.
func (s *KeepService) finishRestore(j *restoreJournal) {
	for _, e := range j.Entries {
		if !s.exists(e.Old) {
			continue
		}
		if err := s.fileOps.RemoveAll(e.Old); err != nil {
			s.logger.Warn("removing replaced copy", "path", e.Old, "error", err)
		}
	}
	if err := removeJournal(s.opts.JournalPath); err != nil {
		s.logger.Warn("removing restore journal", "error", err)
	}
}

func (s *KeepService) unrecoverable(j *restoreJournal, cause, rollbackErr error) error {
	for _, e := range j.Entries {
		s.logger.Error("restore entry left in place",
			"backup", j.Backup, "resource", e.Resource, "live", e.Live,
			"new", e.New, "old", e.Old, "state", e.State)
	}
	s.logger.Error("restore rollback failed",
		"backup", j.Backup, "journal", s.opts.JournalPath, "cause", cause, "rollback_error", rollbackErr)
	return fmt.Errorf("%w: %v; rollback: %v", ErrUnrecoverableState, cause, rollbackErr)
}

func (s *KeepService) exists(path string) bool {
	_, err := s.fileOps.Lstat(path)
	return err == nil
}

func siblingPath(path, prefix, tag string) string {
	return filepath.Join(filepath.Dir(path), prefix+filepath.Base(path)+"-"+tag)
}

func writeSpool(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return storageError(fmt.Errorf("creating staged copy: %w", err))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return storageError(fmt.Errorf("writing staged copy: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storageError(fmt.Errorf("syncing staged copy: %w", err))
	}
	return f.Close()
}
