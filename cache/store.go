// Package cache implements the authoritative local state of each
// participant: the owner's event cache and the scientist's watcher cache,
// both backed by pluggable key-sorted stores. The in-memory store serves
// tests, the bbolt store is the production file-backed form, and the
// filesystem store materializes real datasite files on disk.
package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ErrStoreKeyNotFound reports a read of an absent key.
var ErrStoreKeyNotFound = errors.New("cache: key not found")

// Item is one entry of a key-sorted store.
type Item struct {
	Path    string
	Content []byte
}

// Store is a key-sorted byte store. Iteration order is ascending by path,
// like files on a filesystem.
type Store interface {
	Write(path string, content []byte) error
	Read(path string) ([]byte, error)
	Delete(path string) error
	Items() ([]Item, error)
	Clear() error
	Close() error
}

// --- in-memory store ---

// MemStore is the in-memory Store used by tests and by entirely in-memory
// caches.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Write implements Store.
func (s *MemStore) Write(path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	s.files[path] = buf
	return nil
}

// Read implements Store.
func (s *MemStore) Read(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return nil, errors.Wrap(ErrStoreKeyNotFound, path)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// Delete implements Store. Deleting an absent key is a no-op.
func (s *MemStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

// Items implements Store.
func (s *MemStore) Items() ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for path := range s.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	items := make([]Item, 0, len(paths))
	for _, path := range paths {
		items = append(items, Item{Path: path, Content: s.files[path]})
	}
	return items, nil
}

// Clear implements Store.
func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string][]byte)
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// --- bbolt store ---

var boltBucket = []byte("files")

// BoltStore is the production file-backed Store: a single bbolt database
// whose keys are naturally sorted.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) a bbolt-backed store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bolt store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltStore{db: db}, nil
}

// Write implements Store.
func (s *BoltStore) Write(path string, content []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(path), content)
	})
}

// Read implements Store.
func (s *BoltStore) Read(path string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(path))
		if v == nil {
			return errors.Wrap(ErrStoreKeyNotFound, path)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

// Delete implements Store.
func (s *BoltStore) Delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(path))
	})
}

// Items implements Store.
func (s *BoltStore) Items() ([]Item, error) {
	items := make([]Item, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			content := make([]byte, len(v))
			copy(content, v)
			items = append(items, Item{Path: string(k), Content: content})
			return nil
		})
	})
	return items, err
}

// Clear implements Store.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

// Close implements Store.
func (s *BoltStore) Close() error { return s.db.Close() }

// --- filesystem store ---

// FSStore materializes entries as real files under a base directory. Keys
// are slash paths relative to the base; traversal outside it is rejected.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem store rooted at baseDir, creating it if
// needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create base directory")
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (s *FSStore) BaseDir() string { return s.baseDir }

func (s *FSStore) resolve(path string) (string, error) {
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("cache: path %q escapes base directory", path)
	}
	return full, nil
}

// Write implements Store.
func (s *FSStore) Write(path string, content []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "create parent directory")
	}
	return os.WriteFile(full, content, 0o644)
}

// Read implements Store.
func (s *FSStore) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrStoreKeyNotFound, path)
	}
	return content, err
}

// Delete implements Store. Deleting an absent file is a no-op.
func (s *FSStore) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Items implements Store.
func (s *FSStore) Items() ([]Item, error) {
	items := make([]Item, 0)
	err := filepath.Walk(s.baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		items = append(items, Item{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

// Clear implements Store.
func (s *FSStore) Clear() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *FSStore) Close() error { return nil }
