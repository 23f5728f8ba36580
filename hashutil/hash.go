// Package hashutil provides the content and collection hashing used across
// the sync engine. File contents are tracked by SHA-256 hex digests; dataset
// collections are tracked by a short combined digest over their files.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
)

// CollectionHashLen is the length of the short hex digest used for dataset
// collection folder names.
const CollectionHashLen = 12

// ContentHash returns the SHA-256 hex digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FilesHash computes a short combined digest over a set of named files.
// Names are folded into the digest in sorted order so the result is stable
// regardless of map iteration order.
func FilesHash(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write(files[name])
	}
	return hex.EncodeToString(h.Sum(nil))[:CollectionHashLen]
}

// DirectoryHash computes the FilesHash over the regular files directly inside
// dir. Returns "" if the directory does not exist or holds no files.
func DirectoryHash(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		files[entry.Name()] = data
	}
	if len(files) == 0 {
		return ""
	}
	return FilesHash(files)
}
