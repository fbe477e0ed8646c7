package keep

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"keep/internal/model"
)

// The plaintext bundle is a tar stream, optionally xz-compressed:
//
//	resources/<name>   one entry per captured resource, in capture order
//	manifest.json      always last
const (
	resourcePrefix = "resources/"
	manifestEntry  = "manifest.json"
)

type bundleManifest struct {
	FormatVersion int                  `json:"format_version"`
	Name          string               `json:"name"`
	CreatedAt     time.Time            `json:"created_at"`
	Resources     []model.ResourceInfo `json:"resources"`
}

type bundleWriter struct {
	tw       *tar.Writer
	xzw      *xz.Writer
	manifest bundleManifest
}

func newBundleWriter(w io.Writer, compression string, manifest bundleManifest) (*bundleWriter, error) {
	b := &bundleWriter{manifest: manifest}
	switch compression {
	case CompressionNone:
		b.tw = tar.NewWriter(w)
	case CompressionXZ:
		xzw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		b.xzw = xzw
		b.tw = tar.NewWriter(xzw)
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	return b, nil
}

// AddResource appends one resource stream. The bytes read must match info.
func (b *bundleWriter) AddResource(info model.ResourceInfo, r io.Reader) error {
	hdr := &tar.Header{
		Name:     resourcePrefix + info.Name,
		Mode:     0600,
		Size:     info.Size,
		ModTime:  b.manifest.CreatedAt,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing bundle entry %s: %w", info.Name, err)
	}
	h := sha256.New()
	n, err := io.Copy(b.tw, io.TeeReader(r, h))
	if err != nil {
		return fmt.Errorf("writing bundle entry %s: %w", info.Name, err)
	}
	if n != info.Size || hex.EncodeToString(h.Sum(nil)) != info.Checksum {
		return fmt.Errorf("resource %s changed after capture", info.Name)
	}
	b.manifest.Resources = append(b.manifest.Resources, info)
	return nil
}

// Close writes the manifest and flushes every layer.
func (b *bundleWriter) Close() error {
	raw, err := json.Marshal(b.manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:     manifestEntry,
		Mode:     0600,
		Size:     int64(len(raw)),
		ModTime:  b.manifest.CreatedAt,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if _, err := b.tw.Write(raw); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := b.tw.Close(); err != nil {
		return fmt.Errorf("closing bundle: %w", err)
	}
	if b.xzw != nil {
		if err := b.xzw.Close(); err != nil {
			return fmt.Errorf("closing xz stream: %w", err)
		}
	}
	return nil
}

// readBundle walks a decrypted bundle, calling visit for each resource
// entry, and checks every entry against the manifest. Structural problems
// return an integrityError.
func readBundle(r io.Reader, compression string, visit func(name string, r io.Reader) error) (*bundleManifest, error) {
	src := r
	if compression == CompressionXZ {
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, corrupted("opening xz stream: %v", err)
		}
		src = xzr
	}
	tr := tar.NewReader(src)

	seen := make(map[string]model.ResourceInfo)
	var order []string
	var manifest *bundleManifest
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, corrupted("reading bundle: %v", err)
		}
		if manifest != nil {
			return nil, corrupted("entry %q after manifest", hdr.Name)
		}
		switch {
		case hdr.Name == manifestEntry:
			var m bundleManifest
			if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
				return nil, corrupted("decoding manifest: %v", err)
			}
			manifest = &m
		case strings.HasPrefix(hdr.Name, resourcePrefix):
			name := strings.TrimPrefix(hdr.Name, resourcePrefix)
			if !ValidName(name) {
				return nil, corrupted("invalid resource entry %q", hdr.Name)
			}
			if _, dup := seen[name]; dup {
				return nil, corrupted("duplicate resource %q", name)
			}
			h := sha256.New()
			var body io.Reader = io.TeeReader(tr, h)
			if visit != nil {
				err = visit(name, body)
			} else {
				_, err = io.Copy(io.Discard, body)
			}
			if err != nil {
				return nil, err
			}
			// Drain anything visit left unread so the digest covers the entry.
			if _, err := io.Copy(io.Discard, body); err != nil {
				return nil, corrupted("reading resource %q: %v", name, err)
			}
			seen[name] = model.ResourceInfo{Name: name, Size: hdr.Size, Checksum: hex.EncodeToString(h.Sum(nil))}
			order = append(order, name)
		default:
			return nil, corrupted("unexpected entry %q", hdr.Name)
		}
	}
	if manifest == nil {
		return nil, corrupted("manifest missing")
	}
	if len(manifest.Resources) != len(order) {
		return nil, &integrityError{reason: ReasonChecksumMismatch, err: fmt.Errorf("manifest lists %d resources, bundle has %d", len(manifest.Resources), len(order))}
	}
	for i, info := range manifest.Resources {
		got, ok := seen[info.Name]
		if !ok || order[i] != info.Name {
			return nil, &integrityError{reason: ReasonChecksumMismatch, err: fmt.Errorf("resource %q not where the manifest says", info.Name)}
		}
		if got.Size != info.Size || got.Checksum != info.Checksum {
			return nil, &integrityError{reason: ReasonChecksumMismatch, err: fmt.Errorf("resource %q does not match manifest", info.Name)}
		}
	}
	return manifest, nil
}
