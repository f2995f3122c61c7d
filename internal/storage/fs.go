package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	tempDirName  = ".tmp"
	modsDirName  = "mods"
	indexDirName = "index"

	staleTempAge = time.Hour
)

// FSStore stores packages as plain files under root:
//
//	root/mods/<name>       promoted package files
//	root/index/<artifact>  published index artifacts
//	root/.tmp/<uuid>       in-progress writes and publish backups
//
// The temp directory shares a filesystem with the visible namespaces, so
// promotion is a single rename.
type FSStore struct {
	root          string
	maxNameLength int
	fileMode      os.FileMode
	dirMode       os.FileMode
	logger        *slog.Logger

	rename func(oldpath, newpath string) error
}

type FSOption func(*FSStore)

func WithMaxNameLength(n int) FSOption {
	return func(s *FSStore) {
		s.maxNameLength = n
	}
}

func WithFileMode(mode os.FileMode) FSOption {
	return func(s *FSStore) {
		s.fileMode = mode
	}
}

func WithLogger(logger *slog.Logger) FSOption {
	return func(s *FSStore) {
		s.logger = logger
	}
}

func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}

	s := &FSStore{
		root:          abs,
		maxNameLength: DefaultMaxNameLength,
		fileMode:      0o644,
		dirMode:       0o755,
		logger:        slog.Default(),
		rename:        os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{modsDirName, indexDirName, tempDirName} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), s.dirMode); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}

	s.sweepTemp()
	return s, nil
}

func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) Put(ctx context.Context, name string, r io.Reader) (*PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, err
	}

	info, err := s.writeAndPromote(ctx, filepath.Join(s.root, modsDirName, name), r)
	if err != nil {
		return nil, fmt.Errorf("put %q: %w", name, err)
	}

	return &PackageFile{
		Name:         name,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (s *FSStore) Stat(_ context.Context, name string) (*PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, err
	}

	info, err := os.Stat(filepath.Join(s.root, modsDirName, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %q: %w: %w", name, ErrIOFailure, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
	}

	return &PackageFile{Name: name, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *FSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Stat(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List reads directory metadata only; file contents are never opened.
func (s *FSStore) List(ctx context.Context) ([]PackageFile, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, modsDirName))
	if err != nil {
		return nil, fmt.Errorf("read mods directory: %w: %w", ErrIOFailure, err)
	}

	files := make([]PackageFile, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if ValidateName(entry.Name(), s.maxNameLength) != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %q: %w: %w", entry.Name(), ErrIOFailure, err)
		}

		files = append(files, PackageFile{
			Name:         entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	return files, nil
}

func (s *FSStore) Open(_ context.Context, name string) (io.ReadCloser, *PackageFile, error) {
	if err := ValidateName(name, s.maxNameLength); err != nil {
		return nil, nil, err
	}

	f, err := openFile(filepath.Join(s.root, modsDirName, name), name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat %q: %w: %w", name, ErrIOFailure, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("package %q: %w", name, ErrNotFound)
	}

	return f, &PackageFile{Name: name, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *FSStore) PublishIndex(ctx context.Context, artifacts ...IndexArtifact) error {
	indexDir := filepath.Join(s.root, indexDirName)
	dirInfo, err := os.Stat(indexDir)
	if err != nil || !dirInfo.IsDir() {
		return fmt.Errorf("index directory %s unusable: %w", indexDir, ErrStoreCorruption)
	}

	finals := make([]string, len(artifacts))
	seen := make(map[string]bool, len(artifacts))
	for i, a := range artifacts {
		if err := ValidateName(a.Name, s.maxNameLength); err != nil {
			return err
		}
		if seen[a.Name] {
			return fmt.Errorf("index artifact %q given twice", a.Name)
		}
		seen[a.Name] = true

		finals[i] = filepath.Join(indexDir, a.Name)
		if info, err := os.Lstat(finals[i]); err == nil && !info.Mode().IsRegular() {
			return fmt.Errorf("index artifact %q is not a regular file: %w", a.Name, ErrStoreCorruption)
		}
	}

	staged := make([]string, 0, len(artifacts))
	defer func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}()
	for _, a := range artifacts {
		tmp, _, err := s.stage(ctx, a.Body, true)
		if err != nil {
			return fmt.Errorf("publish index %q: %w", a.Name, err)
		}
		staged = append(staged, tmp)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.swapIn(staged, finals); err != nil {
		return fmt.Errorf("publish index: %w", err)
	}

	if err := syncDir(indexDir); err != nil {
		s.logger.Warn("directory sync after publish failed", "path", indexDir, "error", err)
	}
	return nil
}

func (s *FSStore) OpenIndex(_ context.Context, artifact string) (io.ReadCloser, error) {
	if err := ValidateName(artifact, s.maxNameLength); err != nil {
		return nil, err
	}
	return openFile(filepath.Join(s.root, indexDirName, artifact), artifact)
}

func openFile(path, name string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open %q: %w: %w", name, ErrIOFailure, err)
	}
	return f, nil
}

func (s *FSStore) tempPath() string {
	return filepath.Join(s.root, tempDirName, uuid.NewString())
}

// writeAndPromote streams r into a private temp file and renames it onto
// final.
func (s *FSStore) writeAndPromote(ctx context.Context, final string, r io.Reader) (os.FileInfo, error) {
	tmpPath, info, err := s.stage(ctx, r, false)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := s.rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("promote: %w: %w", ErrIOFailure, err)
	}

	if err := syncDir(filepath.Dir(final)); err != nil {
		s.logger.Warn("directory sync after promote failed", "path", final, "error", err)
	}
	return info, nil
}

// stage writes r to a synced, closed temp file and returns its path. The
// temp file is removed on every error path. With verify set, a size mismatch
// is reported as ErrStoreCorruption.
func (s *FSStore) stage(ctx context.Context, r io.Reader, verify bool) (string, os.FileInfo, error) {
	tmpPath := s.tempPath()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, s.fileMode)
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file: %w: %w", ErrIOFailure, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(&fileWriter{f: f}, &contextReader{ctx: ctx, r: r})
	if err != nil {
		return "", nil, err
	}

	if err := f.Sync(); err != nil {
		return "", nil, fmt.Errorf("sync temp file: %w: %w", ErrIOFailure, err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", nil, fmt.Errorf("stat temp file: %w: %w", ErrIOFailure, err)
	}
	if verify && info.Size() != written {
		return "", nil, fmt.Errorf("wrote %d bytes but temp file holds %d: %w", written, info.Size(), ErrStoreCorruption)
	}

	if err := f.Close(); err != nil {
		return "", nil, fmt.Errorf("close temp file: %w: %w", ErrIOFailure, err)
	}
	ok = true
	return tmpPath, info, nil
}

// swapIn renames each staged file onto its target. Existing targets are hard
// linked into the temp directory first; if a rename fails, the targets that
// were already replaced get their previous content back and targets that did
// not exist before are removed.
func (s *FSStore) swapIn(staged, finals []string) error {
	backups := make([]string, len(finals))
	defer func() {
		for _, b := range backups {
			if b != "" {
				_ = os.Remove(b)
			}
		}
	}()

	for i, final := range finals {
		b := s.tempPath()
		err := os.Link(final, b)
		switch {
		case err == nil:
			backups[i] = b
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("back up %s: %w: %w", filepath.Base(final), ErrIOFailure, err)
		}
	}

	for i := range finals {
		if err := s.rename(staged[i], finals[i]); err != nil {
			s.restore(finals[:i], backups[:i])
			if isLayoutError(err) {
				return fmt.Errorf("promote %s: %w: %w", filepath.Base(finals[i]), ErrStoreCorruption, err)
			}
			return fmt.Errorf("promote %s: %w: %w", filepath.Base(finals[i]), ErrIOFailure, err)
		}
	}
	return nil
}

func (s *FSStore) restore(finals, backups []string) {
	for i, final := range finals {
		var err error
		if backups[i] != "" {
			err = os.Rename(backups[i], final)
		} else {
			err = os.Remove(final)
		}
		if err != nil {
			s.logger.Error("restoring index artifact failed", "path", final, "error", err)
		}
	}
}

// sweepTemp removes temp files left behind by a crashed process.
func (s *FSStore) sweepTemp() {
	dir := filepath.Join(s.root, tempDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-staleTempAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			s.logger.Info("removed stale temp file", "name", entry.Name())
		}
	}
}

// fileWriter tags write-side failures so they can be told apart from errors
// returned by the source reader.
type fileWriter struct {
	f *os.File
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		err = fmt.Errorf("write temp file: %w: %w", ErrIOFailure, err)
	}
	return n, err
}

func isLayoutError(err error) bool {
	return errors.Is(err, syscall.EXDEV) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.EISDIR) ||
		errors.Is(err, os.ErrNotExist)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
