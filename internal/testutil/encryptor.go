package testutil

import (
	"testing"

	"keep/internal/encryption"
	"keep/internal/model"
)

// FastKDFParams are argon2id parameters cheap enough for unit tests.
var FastKDFParams = model.KDFParams{
	Algorithm: encryption.Argon2id,
	KeyLen:    32,
	Time:      1,
	MemoryKiB: 64,
	Threads:   1,
}

// NewTestEncryptor creates an age encryptor with FastKDFParams that spools
// plaintext under spoolDir.
func NewTestEncryptor(t *testing.T, spoolDir string) *encryption.AgeEncryptor {
	t.Helper()
	enc, err := encryption.NewAgeEncryptor(FastKDFParams, spoolDir)
	if err != nil {
		t.Fatalf("NewAgeEncryptor() error = %v", err)
	}
	return enc
}
