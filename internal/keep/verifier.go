package keep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"keep/internal/model"
)

// VerifyResult is the outcome of checking one archive.
type VerifyResult struct {
	Valid  bool
	Reason string // empty when Valid
}

// VerifyBackup checks that the named archive decrypts with passphrase and
// that its contents match their checksums. An invalid archive is reported in
// the result; errors are reserved for bad input and I/O failures.
func (s *KeepService) VerifyBackup(ctx context.Context, name, passphrase string) (VerifyResult, error) {
	if passphrase == "" {
		return VerifyResult{}, ErrEmptyPassphrase
	}
	rec, err := s.GetBackup(ctx, name)
	if err != nil {
		return VerifyResult{}, err
	}

	unlock := s.names.RLock(name)
	defer unlock()

	ProgressFrom(ctx).Stage("verifying")
	res, _, err := s.checkArchive(ctx, rec, passphrase, nil)
	if err != nil {
		return VerifyResult{}, err
	}
	if res.Valid {
		s.logger.Info("backup verified", "name", name)
	} else {
		s.logger.Warn("backup failed verification", "name", name, "reason", res.Reason)
	}
	return res, nil
}

// checkArchive reads the archive for rec end to end. visit, when non-nil,
// receives each resource stream; its errors abort the check. The manifest is
// only returned for a valid archive.
func (s *KeepService) checkArchive(ctx context.Context, rec *model.BackupRecord, passphrase string, visit func(name string, r io.Reader) error) (VerifyResult, *bundleManifest, error) {
	manifest, err := s.readArchive(ctx, rec, passphrase, visit)
	if err != nil {
		var ierr *integrityError
		switch {
		case errors.As(err, &ierr):
			s.logger.Debug("archive check failed", "name", rec.Name, "error", err)
			return VerifyResult{Reason: ierr.reason}, nil, nil
		case errors.Is(err, ErrArchiveMissing):
			return VerifyResult{Reason: ReasonArchiveMissing}, nil, nil
		default:
			return VerifyResult{}, nil, err
		}
	}
	return VerifyResult{Valid: true}, manifest, nil
}

func (s *KeepService) readArchive(ctx context.Context, rec *model.BackupRecord, passphrase string, visit func(name string, r io.Reader) error) (*bundleManifest, error) {
	rc, err := s.store.Open(ctx, rec.Name)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer rc.Close()

	sum := sha256.New()
	src := io.TeeReader(rc, sum)

	hdr, raw, err := readHeader(src)
	if err != nil {
		return nil, err
	}
	if hdr.Name != rec.Name {
		return nil, corrupted("archive header names %q", hdr.Name)
	}

	key, err := s.encryptor.DeriveKey(passphrase, hdr.Salt, hdr.KDF)
	if err != nil {
		// Parameters come from the untrusted header.
		return nil, corrupted("deriving key: %v", err)
	}
	defer key.Destroy()

	plain, err := s.encryptor.Decrypt(key, headerAAD(raw), src)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, &integrityError{reason: ReasonDecryptionFailed, err: err}
		}
		return nil, storageError(err)
	}
	defer plain.Close()

	if _, err := io.Copy(io.Discard, src); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != rec.Checksum {
		return nil, &integrityError{reason: ReasonChecksumMismatch, err: fmt.Errorf("archive digest %s, catalog has %s", got, rec.Checksum)}
	}

	manifest, err := readBundle(plain, hdr.Compression, visit)
	if err != nil {
		return nil, err
	}
	if manifest.Name != rec.Name || manifest.FormatVersion != hdr.FormatVersion {
		return nil, corrupted("manifest does not match header")
	}
	if err := matchResources(manifest.Resources, rec.Resources); err != nil {
		return nil, &integrityError{reason: ReasonChecksumMismatch, err: err}
	}
	return manifest, nil
}

// matchResources requires the archive manifest and the catalog entry to
// describe the same resources in the same order.
func matchResources(manifest, catalog []model.ResourceInfo) error {
	if len(manifest) != len(catalog) {
		return fmt.Errorf("manifest lists %d resources, catalog has %d", len(manifest), len(catalog))
	}
	for i := range manifest {
		if manifest[i] != catalog[i] {
			return fmt.Errorf("resource %d: manifest has %s %q (%d bytes, %s), catalog has %s %q (%d bytes, %s)", i,
				manifest[i].Kind, manifest[i].Name, manifest[i].Size, manifest[i].Checksum,
				catalog[i].Kind, catalog[i].Name, catalog[i].Size, catalog[i].Checksum)
		}
	}
	return nil
}
