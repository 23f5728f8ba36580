// Package memstore implements the backend contract against an in-memory
// object store with cloud-drive semantics: folder containers, per-object
// grants with an anyone-with-link sentinel, name-ordered descending
// pagination, atomic reparenting, and best-effort deletes. A single Store is
// shared by every participant in a deployment; each participant talks to it
// through its own Connection.
package memstore

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/backend"
)

// object is one stored file or folder.
type object struct {
	id       string
	name     string
	parents  map[string]bool
	data     []byte
	isFolder bool
	owner    string
	grants   map[string]bool // email (or backend.ShareWithAny) -> write allowed
}

func (o *object) hasParent(id string) bool {
	return o.parents[id]
}

// Store is the shared backing object store. All methods are safe for
// concurrent use; Connection copies share one Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	nextID  int64

	// listCalls counts List invocations. Tests use it to verify the
	// early-termination guarantee of the listing contract.
	listCalls int64
}

// NewStore creates an empty object store.
func NewStore() *Store {
	return &Store{objects: make(map[string]*object)}
}

// ListCalls returns the number of List invocations so far.
func (s *Store) ListCalls() int64 {
	return atomic.LoadInt64(&s.listCalls)
}

func (s *Store) newID() string {
	s.nextID++
	return "obj-" + strconv.FormatInt(s.nextID, 10)
}

// canRead reports whether email may read obj: the owner, an explicit grant,
// anyone-with-link, or a grant on any ancestor folder.
func (s *Store) canRead(obj *object, email string) bool {
	return s.canAccess(obj, email, false, make(map[string]bool))
}

// canWrite reports whether email may write into obj.
func (s *Store) canWrite(obj *object, email string) bool {
	return s.canAccess(obj, email, true, make(map[string]bool))
}

func (s *Store) canAccess(obj *object, email string, needWrite bool, seen map[string]bool) bool {
	if obj.owner == email {
		return true
	}
	if w, ok := obj.grants[email]; ok && (!needWrite || w) {
		return true
	}
	if w, ok := obj.grants[backend.ShareWithAny]; ok && (!needWrite || w) {
		return true
	}
	for parentID := range obj.parents {
		if seen[parentID] {
			continue
		}
		seen[parentID] = true
		if parent, ok := s.objects[parentID]; ok && s.canAccess(parent, email, needWrite, seen) {
			return true
		}
	}
	return false
}

// CreateFolder creates a folder under parentID ("" for a root folder).
func (s *Store) CreateFolder(name, parentID, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(name, parentID, owner, nil, true)
}

// CreateFile creates a file with data under parentID.
func (s *Store) CreateFile(name, parentID string, data []byte, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentID != "" {
		parent, ok := s.objects[parentID]
		if !ok {
			return "", errors.Wrap(backend.ErrFolderNotFound, parentID)
		}
		if !s.canWrite(parent, owner) {
			return "", errors.Wrap(backend.ErrPermissionDenied, name)
		}
	}
	return s.createLocked(name, parentID, owner, data, false)
}

func (s *Store) createLocked(name, parentID, owner string, data []byte, isFolder bool) (string, error) {
	id := s.newID()
	parents := make(map[string]bool)
	if parentID != "" {
		if _, ok := s.objects[parentID]; !ok {
			return "", errors.Wrap(backend.ErrFolderNotFound, parentID)
		}
		parents[parentID] = true
	}
	s.objects[id] = &object{
		id:       id,
		name:     name,
		parents:  parents,
		data:     data,
		isFolder: isFolder,
		owner:    owner,
		grants:   make(map[string]bool),
	}
	return id, nil
}

// UpdateFile replaces a file's content in place.
func (s *Store) UpdateFile(id string, data []byte, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return errors.Wrap(backend.ErrNotFound, id)
	}
	if !s.canWrite(obj, email) && obj.owner != email {
		return errors.Wrap(backend.ErrPermissionDenied, id)
	}
	obj.data = data
	return nil
}

// ReadFile returns a file's content.
func (s *Store) ReadFile(id, email string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, errors.Wrap(backend.ErrNotFound, id)
	}
	if !s.canRead(obj, email) {
		return nil, errors.Wrap(backend.ErrPermissionDenied, id)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Grant adds an access grant on an object.
func (s *Store) Grant(id, email string, write bool, granter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return errors.Wrap(backend.ErrNotFound, id)
	}
	if obj.owner != granter {
		return errors.Wrap(backend.ErrPermissionDenied, id)
	}
	obj.grants[email] = write
	return nil
}

// Reparent atomically adds one parent and removes another, the
// archive-move primitive. The object is never without a parent mid-move.
func (s *Store) Reparent(id, addParent, removeParent, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return errors.Wrap(backend.ErrNotFound, id)
	}
	if !s.canWrite(obj, email) && obj.owner != email {
		return errors.Wrap(backend.ErrPermissionDenied, id)
	}
	if _, ok := s.objects[addParent]; !ok {
		return errors.Wrap(backend.ErrFolderNotFound, addParent)
	}
	obj.parents[addParent] = true
	delete(obj.parents, removeParent)
	return nil
}

// Delete removes an object. Only the owner may delete.
func (s *Store) Delete(id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return errors.Wrap(backend.ErrNotFound, id)
	}
	if obj.owner != email {
		return errors.Wrap(backend.ErrPermissionDenied, id)
	}
	delete(s.objects, id)
	return nil
}

// FindFolder locates a folder by exact name readable by email, optionally
// restricted to a parent. Returns "" when absent.
func (s *Store) FindFolder(name, parentID, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		if !obj.isFolder || obj.name != name {
			continue
		}
		if parentID != "" && !obj.hasParent(parentID) {
			continue
		}
		if s.canRead(obj, email) {
			return obj.id
		}
	}
	return ""
}

// FindFileInFolder locates a file by exact name within a folder. Returns ""
// when absent.
func (s *Store) FindFileInFolder(name, parentID, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		if obj.isFolder || obj.name != name || !obj.hasParent(parentID) {
			continue
		}
		if s.canRead(obj, email) {
			return obj.id
		}
	}
	return ""
}

// FindFileOwnedBy locates a file by exact name owned by owner and readable
// by email, anywhere in the store. Returns "" when absent.
func (s *Store) FindFileOwnedBy(name, owner, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		if obj.isFolder || obj.name != name || obj.owner != owner {
			continue
		}
		if s.canRead(obj, email) {
			return obj.id
		}
	}
	return ""
}

// List returns one page of a folder's children, ordered by name descending.
// pageToken is "" for the first page; the second return is the next page
// token, "" when exhausted. Every call counts against ListCalls.
func (s *Store) List(folderID string, pageSize int, pageToken string) ([]backend.FileMeta, string, error) {
	atomic.AddInt64(&s.listCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[folderID]; !ok {
		return nil, "", errors.Wrap(backend.ErrFolderNotFound, folderID)
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	children := make([]*object, 0)
	for _, obj := range s.objects {
		if obj.hasParent(folderID) {
			children = append(children, obj)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name > children[j].name })

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", errors.Wrap(backend.ErrNotFound, "bad page token")
		}
		offset = n
	}
	if offset >= len(children) {
		return nil, "", nil
	}
	end := offset + pageSize
	if end > len(children) {
		end = len(children)
	}
	page := make([]backend.FileMeta, 0, end-offset)
	for _, obj := range children[offset:end] {
		page = append(page, backend.FileMeta{ID: obj.id, Name: obj.name, Size: int64(len(obj.data))})
	}
	next := ""
	if end < len(children) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// ObjectsOwnedByWithPrefix returns ids of non-folder objects owned by email
// whose name starts with any of the prefixes.
func (s *Store) ObjectsOwnedByWithPrefix(email string, prefixes []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for _, obj := range s.objects {
		if obj.isFolder || obj.owner != email {
			continue
		}
		for _, prefix := range prefixes {
			if len(obj.name) >= len(prefix) && obj.name[:len(prefix)] == prefix {
				ids = append(ids, obj.id)
				break
			}
		}
	}
	return ids
}

// ObjectIDsOwnedBy returns every object id owned by email, files and
// folders alike.
func (s *Store) ObjectIDsOwnedBy(email string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for _, obj := range s.objects {
		if obj.owner == email {
			ids = append(ids, obj.id)
		}
	}
	return ids
}

// FoldersWithPrefix returns name->id for folders readable by email whose
// name starts with prefix.
func (s *Store) FoldersWithPrefix(prefix, email string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, obj := range s.objects {
		if !obj.isFolder {
			continue
		}
		if len(obj.name) < len(prefix) || obj.name[:len(prefix)] != prefix {
			continue
		}
		if s.canRead(obj, email) {
			out[obj.name] = obj.id
		}
	}
	return out
}

// FindFolderOwnedBy locates a folder by exact name and owner. Returns ""
// when absent.
func (s *Store) FindFolderOwnedBy(name, owner string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range s.objects {
		if obj.isFolder && obj.name == name && obj.owner == owner {
			return obj.id
		}
	}
	return ""
}

// FolderInfo describes a folder surfaced by a prefix scan.
type FolderInfo struct {
	ID     string
	Name   string
	Owner  string
	HasAny bool
}

// FolderInfosWithPrefix returns folders readable by email whose name starts
// with prefix, with ownership and anyone-with-link information.
func (s *Store) FolderInfosWithPrefix(prefix, email string) []FolderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FolderInfo, 0)
	for _, obj := range s.objects {
		if !obj.isFolder {
			continue
		}
		if len(obj.name) < len(prefix) || obj.name[:len(prefix)] != prefix {
			continue
		}
		if !s.canRead(obj, email) {
			continue
		}
		_, hasAny := obj.grants[backend.ShareWithAny]
		out = append(out, FolderInfo{ID: obj.id, Name: obj.name, Owner: obj.owner, HasAny: hasAny})
	}
	return out
}

// HasGrant reports whether email holds an explicit grant on the object.
func (s *Store) HasGrant(id, email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return false
	}
	_, ok = obj.grants[email]
	return ok
}
