// Package dataset carries the engine's contract with the dataset manager.
// The sync core never interprets dataset contents; it reads local dataset
// files to upload collections and mirrors shared collections by content
// hash. The manager implementation itself lives outside the core.
package dataset

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// Visibility of a dataset collection on the backend.
const (
	// VisibilityPublic collections are uploaded as shared collections.
	VisibilityPublic = "public"
	// VisibilityPrivate collections never leave the owner's host except
	// via the private-collection upload path.
	VisibilityPrivate = "private"
)

// Dataset is one local dataset as enumerated by the manager.
type Dataset struct {
	Tag        string
	Dir        string
	Visibility string
}

// Manager is the dataset facility the sync core consumes.
type Manager interface {
	// GetAll enumerates local datasets.
	GetAll() ([]Dataset, error)
}

// Files loads a dataset's file bytes for collection upload.
func Files(d Dataset) (map[string][]byte, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dataset %s", d.Tag)
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.Dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read dataset file %s", entry.Name())
		}
		files[entry.Name()] = data
	}
	return files, nil
}

// ContentHash computes the collection content hash for a dataset's files.
func ContentHash(files map[string][]byte) string {
	return hashutil.FilesHash(files)
}

// DirManager is a Manager over a conventional on-disk layout:
// <publicDir>/<tag>/ for public datasets and <privateDir>/<tag>/ for
// private ones.
type DirManager struct {
	PublicDir  string
	PrivateDir string
}

// GetAll implements Manager.
func (m *DirManager) GetAll() ([]Dataset, error) {
	out := make([]Dataset, 0)
	for _, root := range []struct {
		dir        string
		visibility string
	}{
		{m.PublicDir, VisibilityPublic},
		{m.PrivateDir, VisibilityPrivate},
	} {
		if root.dir == "" {
			continue
		}
		entries, err := os.ReadDir(root.dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "enumerate datasets")
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			out = append(out, Dataset{
				Tag:        entry.Name(),
				Dir:        filepath.Join(root.dir, entry.Name()),
				Visibility: root.visibility,
			})
		}
	}
	return out, nil
}
