package keep

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"keep/internal/model"
)

// FormatVersion is the archive layout written by this build.
const FormatVersion = 1

// Archive layout:
//
//	"KEEPARC\n" | uint32 big-endian header length | header JSON | age payload
//
// The header is cleartext so the KDF can be rerun on restore. Its SHA-256 is
// bound into the key wrap, so any edit to it fails decryption.
const (
	archiveMagic   = "KEEPARC\n"
	maxHeaderBytes = 64 << 10
)

// Compression modes for the plaintext bundle.
const (
	CompressionNone = "none"
	CompressionXZ   = "xz"
)

// Verification failure reasons.
const (
	ReasonDecryptionFailed   = "decryption failed"
	ReasonChecksumMismatch   = "checksum mismatch"
	ReasonCorrupted          = "archive corrupted"
	ReasonUnsupportedVersion = "unsupported format version"
	ReasonArchiveMissing     = "archive missing"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidName reports whether s is usable as a backup or resource name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

type archiveHeader struct {
	FormatVersion int             `json:"format_version"`
	Name          string          `json:"name"`
	CreatedAt     time.Time       `json:"created_at"`
	KDF           model.KDFParams `json:"kdf"`
	Salt          []byte          `json:"salt"`
	Compression   string          `json:"compression"`
}

// integrityError marks a failure that makes an archive invalid rather than
// an I/O problem on our side.
type integrityError struct {
	reason string
	err    error
}

func (e *integrityError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *integrityError) Unwrap() error { return e.err }

func corrupted(format string, args ...any) error {
	return &integrityError{reason: ReasonCorrupted, err: fmt.Errorf(format, args...)}
}

// writeHeader encodes h to w and returns the raw JSON bytes.
func writeHeader(w io.Writer, h *archiveHeader) ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding archive header: %w", err)
	}
	var prefix [len(archiveMagic) + 4]byte
	copy(prefix[:], archiveMagic)
	binary.BigEndian.PutUint32(prefix[len(archiveMagic):], uint32(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return nil, fmt.Errorf("writing archive header: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("writing archive header: %w", err)
	}
	return raw, nil
}

// readHeader parses the header from r and returns it with its raw bytes.
// Malformed headers return an integrityError.
func readHeader(r io.Reader) (*archiveHeader, []byte, error) {
	var prefix [len(archiveMagic) + 4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, corrupted("truncated header")
		}
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}
	if string(prefix[:len(archiveMagic)]) != archiveMagic {
		return nil, nil, corrupted("bad magic")
	}
	n := binary.BigEndian.Uint32(prefix[len(archiveMagic):])
	if n == 0 || n > maxHeaderBytes {
		return nil, nil, corrupted("header length %d out of range", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, corrupted("truncated header")
		}
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}
	var h archiveHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, nil, corrupted("decoding header: %v", err)
	}
	if h.FormatVersion < 1 || h.FormatVersion > FormatVersion {
		return nil, nil, &integrityError{
			reason: ReasonUnsupportedVersion,
			err:    fmt.Errorf("version %d, this build reads up to %d", h.FormatVersion, FormatVersion),
		}
	}
	switch h.Compression {
	case CompressionNone, CompressionXZ:
	default:
		return nil, nil, corrupted("unknown compression %q", h.Compression)
	}
	return &h, raw, nil
}

// headerAAD is the additional data bound into the key wrap.
func headerAAD(raw []byte) []byte {
	sum := sha256.Sum256(raw)
	return sum[:]
}
