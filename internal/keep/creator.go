package keep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"keep/internal/model"
)

// spaceOverhead is added to the payload size when checking free space, to
// cover the header, tar framing and age chunk tags.
const spaceOverhead = 1 << 20

// CreateBackup captures all configured resources, encrypts them under a key
// derived from passphrase and publishes the archive. Nothing is catalogued
// unless the archive is complete on the store.
func (s *KeepService) CreateBackup(ctx context.Context, passphrase string) (*model.BackupRecord, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	lease, err := s.acquire(ctx, "create")
	if err != nil {
		return nil, err
	}
	defer s.release(lease)

	createdAt := s.clock.Now().UTC()
	name, err := s.newBackupName(ctx, createdAt)
	if err != nil {
		return nil, err
	}
	unlock := s.names.Lock(name)
	defer unlock()

	workDir, err := s.workspace.MkdirTemp("create-*")
	if err != nil {
		return nil, storageError(fmt.Errorf("creating staging directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			s.logger.Warn("removing staging directory", "path", workDir, "error", err)
		}
	}()

	snaps, err := s.enumerate(ctx, workDir)
	if err != nil {
		return nil, err
	}

	if err := s.checkSpace(totalSize(snaps)); err != nil {
		return nil, err
	}

	rec := &model.BackupRecord{
		Name:          name,
		FormatVersion: FormatVersion,
		CreatedAt:     createdAt,
		KDF:           s.encryptor.Params(),
		Compression:   s.opts.Compression,
	}
	for _, snap := range snaps {
		rec.Resources = append(rec.Resources, snap.info)
	}
	if rec.Salt, err = s.encryptor.NewSalt(); err != nil {
		return nil, fmt.Errorf("%w: generating salt: %w", ErrEncryptionFailure, err)
	}

	archivePath := filepath.Join(workDir, name+".keep")
	if err := s.writeArchive(ctx, archivePath, rec, passphrase, snaps); err != nil {
		return nil, err
	}

	if err := s.publish(ctx, name, archivePath, rec.SizeBytes); err != nil {
		return nil, err
	}
	if err := s.catalog.Append(ctx, rec); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), name); derr != nil {
			s.logger.Error("removing uncatalogued archive", "name", name, "error", derr)
		}
		return nil, fmt.Errorf("cataloguing backup: %w", err)
	}

	s.logger.Info("backup created", "name", name, "size", rec.SizeBytes, "resources", len(rec.Resources))
	return rec, nil
}

// newBackupName returns a name that is not yet catalogued.
func (s *KeepService) newBackupName(ctx context.Context, at time.Time) (string, error) {
	for range 3 {
		name := formatBackupName(at, shortID(s.idgen, 8))
		existing, err := s.catalog.Get(ctx, name)
		if err != nil {
			return "", fmt.Errorf("reading catalog: %w", err)
		}
		if existing == nil {
			return name, nil
		}
	}
	return "", errors.New("could not generate a unique backup name")
}

// formatBackupName renders keep-<UTC timestamp>-<suffix>. Names sort by
// creation time.
func formatBackupName(at time.Time, suffix string) string {
	return fmt.Sprintf("keep-%s-%s", at.UTC().Format("20060102T150405Z"), suffix)
}

// checkSpace fails early when scratch space or the store cannot hold an
// archive of roughly payload bytes.
func (s *KeepService) checkSpace(payload int64) error {
	need := uint64(payload) + spaceOverhead
	if limit := s.workspace.MaxSize(); limit > 0 && 2*payload > limit {
		return fmt.Errorf("%w: staging needs %d bytes, limit is %d", ErrInsufficientStorage, 2*payload, limit)
	}
	free, err := s.workspace.FreeSpace()
	if err != nil {
		s.logger.Warn("checking staging free space", "error", err)
	} else if free < need {
		return fmt.Errorf("%w: staging has %d bytes free, need %d", ErrInsufficientStorage, free, need)
	}
	if rep, ok := s.store.(SpaceReporter); ok {
		free, err := rep.FreeSpace()
		if err != nil {
			s.logger.Warn("checking store free space", "error", err)
		} else if free < need {
			return fmt.Errorf("%w: store has %d bytes free, need %d", ErrInsufficientStorage, free, need)
		}
	}
	return nil
}

// writeArchive writes and fsyncs the complete archive at path, filling in
// rec.SizeBytes and rec.Checksum.
func (s *KeepService) writeArchive(ctx context.Context, path string, rec *model.BackupRecord, passphrase string, snaps []snapshot) error {
	progress := ProgressFrom(ctx)
	progress.Stage("encrypting")
	progress.SetTotal(totalSize(snaps))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return storageError(fmt.Errorf("creating archive file: %w", err))
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	sum := sha256.New()
	out := &countingWriter{w: io.MultiWriter(f, sum)}

	raw, err := writeHeader(out, &archiveHeader{
		FormatVersion: rec.FormatVersion,
		Name:          rec.Name,
		CreatedAt:     rec.CreatedAt,
		KDF:           rec.KDF,
		Salt:          rec.Salt,
		Compression:   rec.Compression,
	})
	if err != nil {
		return storageError(err)
	}

	key, err := s.encryptor.DeriveKey(passphrase, rec.Salt, rec.KDF)
	if err != nil {
		return fmt.Errorf("%w: deriving key: %w", ErrEncryptionFailure, err)
	}
	defer key.Destroy()

	enc, err := s.encryptor.Encrypt(key, headerAAD(raw), out)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
	}
	bw, err := newBundleWriter(enc, rec.Compression, bundleManifest{
		FormatVersion: rec.FormatVersion,
		Name:          rec.Name,
		CreatedAt:     rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addSnapshot(bw, snap, progress); err != nil {
			return storageError(err)
		}
	}
	if err := bw.Close(); err != nil {
		return storageError(err)
	}
	if err := enc.Close(); err != nil {
		return storageError(fmt.Errorf("%w: finishing payload: %w", ErrEncryptionFailure, err))
	}

	if err := f.Sync(); err != nil {
		return storageError(fmt.Errorf("syncing archive: %w", err))
	}
	if err := f.Close(); err != nil {
		f = nil
		return storageError(fmt.Errorf("closing archive: %w", err))
	}
	f = nil

	rec.SizeBytes = out.n
	rec.Checksum = hex.EncodeToString(sum.Sum(nil))
	return nil
}

func addSnapshot(bw *bundleWriter, snap snapshot, progress Progress) error {
	f, err := os.Open(snap.path)
	if err != nil {
		return fmt.Errorf("opening snapshot of %s: %w", snap.info.Name, err)
	}
	defer f.Close()
	return bw.AddResource(snap.info, io.TeeReader(f, progressWriter{progress}))
}

// publish moves the finished archive onto the store.
func (s *KeepService) publish(ctx context.Context, name, path string, size int64) error {
	ProgressFrom(ctx).Stage("publishing")
	if pub, ok := s.store.(FilePublisher); ok {
		if err := pub.PublishFile(ctx, name, path); err != nil {
			return storageError(fmt.Errorf("publishing archive: %w", err))
		}
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	if err := s.store.Put(ctx, name, f, size); err != nil {
		return storageError(fmt.Errorf("uploading archive: %w", err))
	}
	return nil
}

func totalSize(snaps []snapshot) int64 {
	var n int64
	for _, snap := range snaps {
		n += snap.info.Size
	}
	return n
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
