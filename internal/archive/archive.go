// Package archive packs a model run directory into a zstd-compressed tarball
// with a manifest of every file's size and checksum.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/tmutil/internal/state"
)

// ErrExists is returned when an archive with the same name is already
// recorded or present on disk.
var ErrExists = errors.New("archive already exists")

// ManifestName is the first entry of every archive.
const ManifestName = "manifest.yaml"

// Extension is appended to the archive name.
const Extension = ".tar.zst"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Options describes one archive to create.
type Options struct {
	RunDir  string
	Dest    string
	Name    string
	Include []string
	Exclude []string
	// Level is a zstd level name: fastest, default, better or best.
	Level string
}

// Manifest lists the archived files.
type Manifest struct {
	Name      string      `yaml:"name"`
	Source    string      `yaml:"source"`
	CreatedAt time.Time   `yaml:"created_at"`
	Bytes     int64       `yaml:"bytes"`
	Files     []FileEntry `yaml:"files"`
}

// FileEntry is one archived file.
type FileEntry struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Recorder persists archive records.
type Recorder interface {
	SaveArchive(ctx context.Context, a *state.Archive) error
	GetArchiveByName(ctx context.Context, name string) (*state.Archive, error)
	ListArchives(ctx context.Context) ([]*state.Archive, error)
}

// Archiver creates and lists archives.
type Archiver struct {
	store  Recorder
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver. store may be nil, in which case archives are
// written but not recorded.
func New(store Recorder, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archiver{store: store, logger: logger, now: time.Now}
}

type source struct {
	rel   string
	path  string
	entry FileEntry
	info  fs.FileInfo
}

// Create writes <Dest>/<Name>.tar.zst and records it.
func (a *Archiver) Create(ctx context.Context, opts Options) (*state.Archive, error) {
	runDir, err := filepath.Abs(opts.RunDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run directory: %w", err)
	}
	info, err := os.Stat(runDir)
	if err != nil {
		return nil, fmt.Errorf("run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run directory %s is not a directory", runDir)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(runDir)
	}
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid archive name %q", name)
	}
	dest := opts.Dest
	if dest == "" {
		dest = filepath.Dir(runDir)
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}

	level := zstd.SpeedDefault
	if opts.Level != "" {
		ok, l := zstd.EncoderLevelFromString(opts.Level)
		if !ok {
			return nil, fmt.Errorf("unknown compression level %q", opts.Level)
		}
		level = l
	}

	if a.store != nil {
		_, err := a.store.GetArchiveByName(ctx, name)
		if err == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrExists)
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}

	sources, err := a.collect(ctx, runDir, opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no files selected in %s", runDir)
	}

	manifest := Manifest{
		Name:      name,
		Source:    runDir,
		CreatedAt: a.now().UTC().Truncate(time.Second),
	}
	for _, s := range sources {
		manifest.Files = append(manifest.Files, s.entry)
		manifest.Bytes += s.entry.Size
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	path := filepath.Join(dest, name+Extension)
	digest, err := write(ctx, path, &manifest, sources, level)
	if err != nil {
		return nil, err
	}

	rec := &state.Archive{
		Name:      name,
		SourceDir: runDir,
		Path:      path,
		Files:     len(sources),
		Bytes:     manifest.Bytes,
		SHA256:    digest,
		CreatedAt: manifest.CreatedAt,
	}
	if a.store != nil {
		if err := a.store.SaveArchive(ctx, rec); err != nil {
			return nil, err
		}
	}

	a.logger.Info("archive created",
		slog.String("name", name),
		slog.String("path", path),
		slog.Int("files", rec.Files),
		slog.Int64("bytes", rec.Bytes))
	return rec, nil
}

// List returns the recorded archives, newest first.
func (a *Archiver) List(ctx context.Context) ([]*state.Archive, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.ListArchives(ctx)
}

func (a *Archiver) collect(ctx context.Context, root string, include, exclude []string) ([]source, error) {
	var out []source
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !d.Type().IsRegular() {
			a.logger.Debug("skipping non-regular file", slog.String("path", rel))
			return nil
		}
		ok, err := Selected(include, exclude, rel)
		if err != nil {
			return fmt.Errorf("bad pattern: %w", err)
		}
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		out = append(out, source{
			rel:   rel,
			path:  path,
			info:  info,
			entry: FileEntry{Path: rel, Size: info.Size(), SHA256: sum},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // walked from the run directory
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// write streams the tarball to path and returns the digest of the
// compressed file. A partial file is removed on failure.
func write(ctx context.Context, path string, m *Manifest, sources []source, level zstd.EncoderLevel) (digest string, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // destination is configured
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	h := sha256.New()
	zw, err := zstd.NewWriter(io.MultiWriter(f, h), zstd.WithEncoderLevel(level))
	if err != nil {
		return "", err
	}
	tw := tar.NewWriter(zw)

	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:     ManifestName,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  m.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", err
	}
	if _, err := tw.Write(data); err != nil {
		return "", err
	}

	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := addFile(tw, s); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func addFile(tw *tar.Writer, s source) error {
	hdr, err := tar.FileInfoHeader(s.info, "")
	if err != nil {
		return err
	}
	hdr.Name = s.rel
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%s: %w", s.rel, err)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	n, err := io.Copy(tw, f)
	if err != nil {
		return fmt.Errorf("%s: %w", s.rel, err)
	}
	if n != s.entry.Size {
		return fmt.Errorf("%s changed while archiving", s.rel)
	}
	return nil
}
