package keep

import (
	"io"

	"keep/internal/model"
)

// Key is derived key material held outside the garbage-collected heap.
// Destroy wipes it; Bytes must not be used afterwards.
type Key interface {
	Bytes() []byte
	Destroy()
}

// Encryptor turns a passphrase into a key and seals archive payloads with
// it. aad is bound into the ciphertext; decrypting with different aad fails.
type Encryptor interface {
	// NewSalt returns fresh random salt for one backup.
	NewSalt() ([]byte, error)
	// Params returns the KDF parameters new backups are written with.
	Params() model.KDFParams
	// DeriveKey runs the KDF described by params.
	DeriveKey(passphrase string, salt []byte, params model.KDFParams) (Key, error)
	// Encrypt returns a writer that seals plaintext into dst. The payload is
	// complete only after Close returns nil.
	Encrypt(key Key, aad []byte, dst io.Writer) (io.WriteCloser, error)
	// Decrypt authenticates all of src before returning any plaintext. Any
	// authentication failure returns an error wrapping ErrDecryptionFailed.
	Decrypt(key Key, aad []byte, src io.Reader) (io.ReadCloser, error)
}
