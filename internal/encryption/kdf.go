package encryption

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"keep/internal/model"
)

// KDF algorithms.
const (
	Argon2id = "argon2id"
	Scrypt   = "scrypt"
)

// SaltSize is the length of the per-backup salt.
const SaltSize = 32

// Cost bounds. Parameters are read from archive headers, so anything outside
// them is treated as a damaged archive rather than run.
const (
	maxArgonTime      = 64
	maxArgonMemoryKiB = 4 << 20 // 4 GiB
	maxArgonThreads   = 64
	maxScryptLogN     = 22
)

// DefaultParams returns the cost parameters for new backups.
func DefaultParams(algorithm string) (model.KDFParams, error) {
	switch algorithm {
	case Argon2id, "":
		return model.KDFParams{
			Algorithm: Argon2id,
			KeyLen:    chacha20poly1305.KeySize,
			Time:      3,
			MemoryKiB: 64 << 10,
			Threads:   4,
		}, nil
	case Scrypt:
		return model.KDFParams{
			Algorithm: Scrypt,
			KeyLen:    chacha20poly1305.KeySize,
			N:         1 << 17,
			R:         8,
			P:         1,
		}, nil
	default:
		return model.KDFParams{}, fmt.Errorf("unknown kdf %q", algorithm)
	}
}

// ValidateParams rejects unknown algorithms and out-of-range costs.
func ValidateParams(p model.KDFParams) error {
	if p.KeyLen != chacha20poly1305.KeySize {
		return fmt.Errorf("key length %d, want %d", p.KeyLen, chacha20poly1305.KeySize)
	}
	switch p.Algorithm {
	case Argon2id:
		if p.Time < 1 || p.Time > maxArgonTime {
			return fmt.Errorf("argon2id time %d out of range", p.Time)
		}
		if p.MemoryKiB < 8*uint32(max(p.Threads, 1)) || p.MemoryKiB > maxArgonMemoryKiB {
			return fmt.Errorf("argon2id memory %d KiB out of range", p.MemoryKiB)
		}
		if p.Threads < 1 || p.Threads > maxArgonThreads {
			return fmt.Errorf("argon2id threads %d out of range", p.Threads)
		}
	case Scrypt:
		if p.N < 2 || p.N&(p.N-1) != 0 || p.N > 1<<maxScryptLogN {
			return fmt.Errorf("scrypt N %d must be a power of two up to 2^%d", p.N, maxScryptLogN)
		}
		if p.R < 1 || p.P < 1 || p.R*p.P >= 1<<30 {
			return fmt.Errorf("scrypt r=%d p=%d out of range", p.R, p.P)
		}
	default:
		return fmt.Errorf("unknown kdf %q", p.Algorithm)
	}
	return nil
}

// deriveKey runs the KDF. The returned slice belongs to the caller.
func deriveKey(passphrase string, salt []byte, p model.KDFParams) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("salt of %d bytes is too short", len(salt))
	}
	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case Argon2id:
		return argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen), nil
	default:
		key, err := scrypt.Key([]byte(passphrase), salt, p.N, p.R, p.P, int(p.KeyLen))
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	}
}
