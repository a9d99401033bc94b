package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/snarg/voice-memo/internal/ledger"
)

// Store abstracts recording blob storage.
type Store interface {
	// Save writes the blob for id and returns its local path.
	Save(ctx context.Context, id ledger.RecordingID, r io.Reader) (string, error)

	// Resolve returns the absolute local path for id, guaranteed to stay
	// inside the storage directory. The file may not exist.
	Resolve(id ledger.RecordingID) (string, error)

	// Open returns the blob for reading. ErrNotFound if absent.
	Open(ctx context.Context, id ledger.RecordingID) (*os.File, error)

	// Remove deletes the blob. ErrNotFound if absent.
	Remove(ctx context.Context, id ledger.RecordingID) error

	// Exists reports whether the blob is present.
	Exists(ctx context.Context, id ledger.RecordingID) bool

	// List returns the IDs of all stored recordings, oldest first.
	List(ctx context.Context) ([]ledger.RecordingID, error)

	// Dir returns the storage directory.
	Dir() string
}

// LocalStore stores recordings on the local filesystem.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the storage directory if needed and returns a store rooted at it.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs %s: %w", dir, err)
	}
	return &LocalStore{dir: abs}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Save(ctx context.Context, id ledger.RecordingID, r io.Reader) (string, error) {
	path, err := s.Resolve(id)
	if err != nil {
		return "", err
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(s.dir, ".audio-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename: %w", err)
	}
	return path, nil
}

// Resolve validates id and builds its absolute path. If the file exists,
// symlinks are followed and the real target must also live in the storage
// directory.
func (s *LocalStore) Resolve(id ledger.RecordingID) (string, error) {
	name := string(id)
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	if !within(s.dir, path) {
		return "", ErrInvalidName
	}

	target, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	root, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fmt.Errorf("resolve storage dir: %w", err)
	}
	if !within(root, target) {
		return "", ErrInvalidName
	}
	return path, nil
}

func (s *LocalStore) Open(ctx context.Context, id ledger.RecordingID) (*os.File, error) {
	path, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *LocalStore) Remove(ctx context.Context, id ledger.RecordingID) error {
	path, err := s.Resolve(id)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return ErrNotFound
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *LocalStore) Exists(ctx context.Context, id ledger.RecordingID) bool {
	path, err := s.Resolve(id)
	if err != nil {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func (s *LocalStore) List(ctx context.Context) ([]ledger.RecordingID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}
	var ids []ledger.RecordingID
	for _, e := range entries {
		if e.IsDir() || !IsRecordingName(e.Name()) {
			continue
		}
		ids = append(ids, ledger.RecordingID(e.Name()))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// within reports whether path is strictly inside dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
