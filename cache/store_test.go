package cache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	if err := s.Write("b/two.txt", []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("a/one.txt", []byte("1")); err != nil {
		t.Fatal(err)
	}

	content, err := s.Read("a/one.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, []byte("1")) {
		t.Fatalf("got %q", content)
	}

	if _, err := s.Read("missing"); !errors.Is(err, ErrStoreKeyNotFound) {
		t.Fatalf("expected ErrStoreKeyNotFound, got %v", err)
	}

	items, err := s.Items()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Path != "a/one.txt" || items[1].Path != "b/two.txt" {
		t.Fatalf("items must be key-sorted, got %v", items)
	}

	// Overwrite replaces.
	if err := s.Write("a/one.txt", []byte("1b")); err != nil {
		t.Fatal(err)
	}
	content, _ = s.Read("a/one.txt")
	if string(content) != "1b" {
		t.Fatalf("overwrite failed: %q", content)
	}

	// Delete is idempotent.
	if err := s.Delete("a/one.txt"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("a/one.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("a/one.txt"); !errors.Is(err, ErrStoreKeyNotFound) {
		t.Fatal("deleted key should be gone")
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	items, err = s.Items()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("clear left %d items", len(items))
	}
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write("../escape.txt", []byte("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if _, err := s.Read("../../etc/passwd"); err == nil {
		t.Fatal("expected traversal rejection on read")
	}
}
