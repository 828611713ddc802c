package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

type reader struct {
	f  *os.File
	zr *zstd.Decoder
	tr *tar.Reader
}

func open(path string) (*reader, error) {
	f, err := os.Open(path) //nolint:gosec // archive path from the caller
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &reader{f: f, zr: zr, tr: tar.NewReader(zr)}, nil
}

func (r *reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}

func (r *reader) manifest() (*Manifest, error) {
	hdr, err := r.tr.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if hdr.Name != ManifestName {
		return nil, fmt.Errorf("first entry is %q, want %s", hdr.Name, ManifestName)
	}
	var m Manifest
	if err := yaml.NewDecoder(r.tr).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// ReadManifest returns the manifest of the archive at path.
func ReadManifest(path string) (*Manifest, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return r.manifest()
}

// Verify checks every entry of the archive against its manifest and
// returns all mismatches joined.
func Verify(path string) (*Manifest, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	m, err := r.manifest()
	if err != nil {
		return nil, err
	}
	want := make(map[string]FileEntry, len(m.Files))
	for _, e := range m.Files {
		want[e.Path] = e
	}

	var errs []error
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return m, fmt.Errorf("failed to read archive: %w", err)
		}
		e, ok := want[hdr.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: not in manifest", hdr.Name))
			continue
		}
		delete(want, hdr.Name)

		h := sha256.New()
		n, err := io.Copy(h, r.tr)
		if err != nil {
			return m, fmt.Errorf("%s: %w", hdr.Name, err)
		}
		if n != e.Size {
			errs = append(errs, fmt.Errorf("%s: size %d, manifest %d", hdr.Name, n, e.Size))
		}
		if sum := hex.EncodeToString(h.Sum(nil)); sum != e.SHA256 {
			errs = append(errs, fmt.Errorf("%s: checksum mismatch", hdr.Name))
		}
	}
	for _, e := range m.Files {
		if _, missing := want[e.Path]; missing {
			errs = append(errs, fmt.Errorf("%s: missing from archive", e.Path))
		}
	}
	return m, errors.Join(errs...)
}
