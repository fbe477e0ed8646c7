package encryption

import (
	"fmt"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewEncryptorFromConfig creates an Encryptor from the encryption config.
// Zero cost fields keep the KDF's defaults.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, spoolDir string) (keep.Encryptor, error) {
	params, err := DefaultParams(cfg.KDF)
	if err != nil {
		return nil, err
	}
	switch params.Algorithm {
	case Argon2id:
		if cfg.ArgonTime != 0 {
			params.Time = cfg.ArgonTime
		}
		if cfg.ArgonMemoryKiB != 0 {
			params.MemoryKiB = cfg.ArgonMemoryKiB
		}
		if cfg.ArgonThreads != 0 {
			params.Threads = cfg.ArgonThreads
		}
	case Scrypt:
		if cfg.ScryptLogN != 0 {
			if cfg.ScryptLogN < 1 || cfg.ScryptLogN > maxScryptLogN {
				return nil, fmt.Errorf("scrypt_log_n %d out of range", cfg.ScryptLogN)
			}
			params.N = 1 << cfg.ScryptLogN
		}
	}
	return NewAgeEncryptor(params, spoolDir)
}
