// Package storage is the persistence gateway of the engine: a keyed object
// store holding finalized candle records, raw-message audit batches and the
// persisted access token, partitioned by instrument and calendar date/hour
// for efficient range scans.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when no object exists under a key or prefix.
var ErrNotFound = errors.New("object not found")

// ObjectStore is a flat keyed blob store. Keys are slash-separated paths;
// rewriting an existing key with the same content is safe, making every
// write independently retryable.
type ObjectStore interface {
	// Put durably writes one object. There are no partial-write states: a
	// failed Put leaves either the old object or none.
	Put(ctx context.Context, key string, body []byte) error

	// Get reads one object, ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FSStore implements ObjectStore on an afero filesystem rooted at a base
// directory. Tests use an in-memory filesystem; production uses the OS one.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore creates a store writing under root on the given filesystem.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	return &FSStore{fs: fs, root: root}
}

// Put writes the object via a temp file rename so a crashed write never
// leaves a truncated object behind.
func (s *FSStore) Put(_ context.Context, key string, body []byte) error {
	full := path.Join(s.root, key)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}

	tmp := full + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Get reads one object.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	body, err := afero.ReadFile(s.fs, path.Join(s.root, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

// List walks the prefix directory and returns all object keys below it,
// sorted.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	base := path.Join(s.root, prefix)

	var keys []string
	err := afero.Walk(s.fs, base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}
