package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"keep/internal/keep"
	"keep/internal/model"
)

// stanzaType identifies the passphrase-derived key wrap in the age header.
const stanzaType = "keep-kdf"

// AgeEncryptor implements keep.Encryptor with the age v1 format. The age file
// key is wrapped with XChaCha20-Poly1305 under a key derived from the
// passphrase, with the archive header digest as associated data, so the
// salt and KDF parameters can live in the archive's own header.
type AgeEncryptor struct {
	params   model.KDFParams
	spoolDir string
}

var _ keep.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an encryptor that writes backups with params and
// spools decrypted plaintext under spoolDir.
func NewAgeEncryptor(params model.KDFParams, spoolDir string) (*AgeEncryptor, error) {
	if err := ValidateParams(params); err != nil {
		return nil, fmt.Errorf("invalid kdf parameters: %w", err)
	}
	return &AgeEncryptor{params: params, spoolDir: spoolDir}, nil
}

func (e *AgeEncryptor) Params() model.KDFParams { return e.params }

func (e *AgeEncryptor) NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("reading random salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs the KDF and moves the result into a locked buffer.
func (e *AgeEncryptor) DeriveKey(passphrase string, salt []byte, params model.KDFParams) (keep.Key, error) {
	raw, err := deriveKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	// NewBufferFromBytes wipes raw.
	return &lockedKey{buf: memguard.NewBufferFromBytes(raw)}, nil
}

func (e *AgeEncryptor) Encrypt(key keep.Key, aad []byte, dst io.Writer) (io.WriteCloser, error) {
	w, err := age.Encrypt(dst, &kdfRecipient{key: key, aad: aad})
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return w, nil
}

// Decrypt spools the whole plaintext to a private temp file and returns it
// only after age has authenticated the final chunk.
func (e *AgeEncryptor) Decrypt(key keep.Key, aad []byte, src io.Reader) (io.ReadCloser, error) {
	r, err := age.Decrypt(src, &kdfIdentity{key: key, aad: aad})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keep.ErrDecryptionFailed, err)
	}

	spool, err := os.CreateTemp(e.spoolDir, ".plain-*")
	if err != nil {
		return nil, fmt.Errorf("creating plaintext spool: %w", err)
	}
	discard := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	tr := &trackingReader{r: r}
	if _, err := io.Copy(spool, tr); err != nil {
		discard()
		if tr.err != nil {
			return nil, fmt.Errorf("%w: %v", keep.ErrDecryptionFailed, tr.err)
		}
		return nil, fmt.Errorf("writing plaintext spool: %w", err)
	}
	if err := spool.Sync(); err != nil {
		discard()
		return nil, fmt.Errorf("syncing plaintext spool: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewinding plaintext spool: %w", err)
	}
	return &spoolFile{File: spool}, nil
}

// trackingReader remembers the error of the reader it wraps, so read
// failures can be told apart from write failures after io.Copy.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

// spoolFile removes itself on Close.
type spoolFile struct {
	*os.File
}

func (s *spoolFile) Close() error {
	err := s.File.Close()
	if rerr := os.Remove(s.File.Name()); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

type lockedKey struct {
	buf *memguard.LockedBuffer
}

func (k *lockedKey) Bytes() []byte { return k.buf.Bytes() }
func (k *lockedKey) Destroy()      { k.buf.Destroy() }

// kdfRecipient wraps the age file key under the derived key.
type kdfRecipient struct {
	key keep.Key
	aad []byte
}

func (r *kdfRecipient) Wrap(fileKey []byte) ([]*age.Stanza, error) {
	aead, err := chacha20poly1305.NewX(r.key.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	body := aead.Seal(nonce, nonce, fileKey, r.aad)
	return []*age.Stanza{{Type: stanzaType, Args: []string{"v1"}, Body: body}}, nil
}

// kdfIdentity unwraps the file key. A failed open means a wrong passphrase
// or an edited header; both are reported as age.ErrIncorrectIdentity.
type kdfIdentity struct {
	key keep.Key
	aad []byte
}

func (i *kdfIdentity) Unwrap(stanzas []*age.Stanza) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(i.key.Bytes())
	if err != nil {
		return nil, err
	}
	for _, s := range stanzas {
		if s.Type != stanzaType {
			continue
		}
		if len(s.Args) != 1 || s.Args[0] != "v1" {
			return nil, fmt.Errorf("unsupported %s stanza arguments", stanzaType)
		}
		if len(s.Body) < chacha20poly1305.NonceSizeX+aead.Overhead() {
			return nil, fmt.Errorf("%s stanza body too short", stanzaType)
		}
		nonce, sealed := s.Body[:chacha20poly1305.NonceSizeX], s.Body[chacha20poly1305.NonceSizeX:]
		fileKey, err := aead.Open(nil, nonce, sealed, i.aad)
		if err != nil {
			return nil, age.ErrIncorrectIdentity
		}
		return fileKey, nil
	}
	return nil, age.ErrIncorrectIdentity
}
