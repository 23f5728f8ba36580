// datasets.go implements the dataset-collection, version-file, and
// maintenance parts of the memstore connection.
package memstore

import (
	"context"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/syftmsg"
)

// parseCollectionFolderName splits <prefix>_<tag>_<hash>; tags may contain
// underscores, so the hash is the final segment.
func parseCollectionFolderName(name, prefix string) (tag, contentHash string, ok bool) {
	rest := strings.TrimPrefix(name, prefix+"_")
	if rest == name {
		return "", "", false
	}
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func (c *Connection) collectionFolderID(prefix, tag, contentHash string, create bool) (string, error) {
	name := backend.CollectionFolderName(prefix, tag, contentHash)
	if id, ok := c.cachedFolderID(name); ok {
		return id, nil
	}
	id := c.store.FindFolder(name, "", c.email)
	if id == "" {
		if !create {
			return "", errors.Wrap(backend.ErrFolderNotFound, name)
		}
		rootID, err := c.rootFolderID()
		if err != nil {
			return "", err
		}
		id, err = c.store.CreateFolder(name, rootID, c.email)
		if err != nil {
			return "", err
		}
	}
	c.folderIDs.Set(name, id, gocache.NoExpiration)
	return id, nil
}

// CreateDatasetCollection implements backend.Connection.
func (c *Connection) CreateDatasetCollection(ctx context.Context, tag, contentHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.collectionFolderID(backend.DatasetCollectionPrefix, tag, contentHash, true)
	return err
}

// ShareDatasetCollection implements backend.Connection.
func (c *Connection) ShareDatasetCollection(ctx context.Context, tag, contentHash string, users []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := c.collectionFolderID(backend.DatasetCollectionPrefix, tag, contentHash, false)
	if err != nil {
		return err
	}
	for _, user := range users {
		if err := c.store.Grant(id, user, false, c.email); err != nil {
			return err
		}
	}
	return nil
}

// TagDatasetCollectionAsAny implements backend.Connection.
func (c *Connection) TagDatasetCollectionAsAny(ctx context.Context, tag, contentHash string) error {
	return c.ShareDatasetCollection(ctx, tag, contentHash, []string{backend.ShareWithAny})
}

func (c *Connection) uploadCollectionFiles(prefix, tag, contentHash string, files map[string][]byte) error {
	folderID, err := c.collectionFolderID(prefix, tag, contentHash, true)
	if err != nil {
		return err
	}
	for name, data := range files {
		if id := c.store.FindFileInFolder(name, folderID, c.email); id != "" {
			if err := c.store.UpdateFile(id, data, c.email); err != nil {
				return err
			}
			continue
		}
		if _, err := c.store.CreateFile(name, folderID, data, c.email); err != nil {
			return err
		}
	}
	return nil
}

// UploadDatasetFiles implements backend.Connection.
func (c *Connection) UploadDatasetFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.uploadCollectionFiles(backend.DatasetCollectionPrefix, tag, contentHash, files)
}

func (c *Connection) collections(prefix string, ownOnly bool) []backend.Collection {
	out := make([]backend.Collection, 0)
	for _, info := range c.store.FolderInfosWithPrefix(prefix+"_", c.email) {
		tag, contentHash, ok := parseCollectionFolderName(info.Name, prefix)
		if !ok {
			continue
		}
		if ownOnly && info.Owner != c.email {
			continue
		}
		if !ownOnly && info.Owner == c.email {
			continue
		}
		out = append(out, backend.Collection{
			Tag:              tag,
			ContentHash:      contentHash,
			OwnerEmail:       info.Owner,
			HasAnyPermission: info.HasAny,
		})
	}
	return out
}

// DatasetCollectionsAsDO implements backend.Connection.
func (c *Connection) DatasetCollectionsAsDO(ctx context.Context) ([]backend.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.collections(backend.DatasetCollectionPrefix, true), nil
}

// DatasetCollectionsAsDS implements backend.Connection.
func (c *Connection) DatasetCollectionsAsDS(ctx context.Context) ([]backend.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.collections(backend.DatasetCollectionPrefix, false), nil
}

// DatasetCollectionFileMetas implements backend.Connection.
func (c *Connection) DatasetCollectionFileMetas(ctx context.Context, tag, contentHash, ownerEmail string) ([]backend.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := c.collectionFolderID(backend.DatasetCollectionPrefix, tag, contentHash, false)
	if err != nil {
		return nil, err
	}
	return c.listAllPages(id)
}

// DownloadDatasetFile implements backend.Connection.
func (c *Connection) DownloadDatasetFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.ReadFile(fileID, c.email)
}

// CreatePrivateCollection implements backend.Connection.
func (c *Connection) CreatePrivateCollection(ctx context.Context, tag, contentHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.collectionFolderID(backend.PrivateCollectionPrefix, tag, contentHash, true)
	return err
}

// UploadPrivateCollectionFiles implements backend.Connection.
func (c *Connection) UploadPrivateCollectionFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.uploadCollectionFiles(backend.PrivateCollectionPrefix, tag, contentHash, files)
}

// PrivateCollectionsAsDO implements backend.Connection.
func (c *Connection) PrivateCollectionsAsDO(ctx context.Context) ([]backend.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.collections(backend.PrivateCollectionPrefix, true), nil
}

// PrivateCollectionFileMetas implements backend.Connection.
func (c *Connection) PrivateCollectionFileMetas(ctx context.Context, tag, contentHash string) ([]backend.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := c.collectionFolderID(backend.PrivateCollectionPrefix, tag, contentHash, false)
	if err != nil {
		return nil, err
	}
	return c.listAllPages(id)
}

// --- version files ---

// WriteVersionFile implements backend.Connection.
func (c *Connection) WriteVersionFile(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rootID, err := c.rootFolderID()
	if err != nil {
		return err
	}
	if id := c.store.FindFileInFolder(backend.VersionFileName, rootID, c.email); id != "" {
		return c.store.UpdateFile(id, data, c.email)
	}
	_, err = c.store.CreateFile(backend.VersionFileName, rootID, data, c.email)
	return err
}

// ReadPeerVersionFile implements backend.Connection.
func (c *Connection) ReadPeerVersionFile(ctx context.Context, peerEmail string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := c.store.FindFileOwnedBy(backend.VersionFileName, peerEmail, c.email)
	if id == "" {
		return nil, nil
	}
	return c.store.ReadFile(id, c.email)
}

// ShareVersionFileWithPeer implements backend.Connection.
func (c *Connection) ShareVersionFileWithPeer(ctx context.Context, peerEmail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rootID, err := c.rootFolderID()
	if err != nil {
		return err
	}
	id := c.store.FindFileInFolder(backend.VersionFileName, rootID, c.email)
	if id == "" {
		return errors.Wrap(backend.ErrNotFound, backend.VersionFileName)
	}
	return c.store.Grant(id, peerEmail, false, c.email)
}

// --- maintenance ---

// GatherAllFileAndFolderIDs implements backend.Connection.
func (c *Connection) GatherAllFileAndFolderIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.ObjectIDsOwnedBy(c.email), nil
}

// FindOrphanedMessageFiles implements backend.Connection.
func (c *Connection) FindOrphanedMessageFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefixes := []string{
		syftmsg.EventsMessagePrefix + "_",
		syftmsg.ProposedMessagePrefix + "_",
		syftmsg.CheckpointPrefix,
		syftmsg.RollingStatePrefix,
	}
	return c.store.ObjectsOwnedByWithPrefix(c.email, prefixes), nil
}

// DeleteFilesByID implements backend.Connection.
func (c *Connection) DeleteFilesByID(ctx context.Context, ids []string, opts backend.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		err := c.store.Delete(id, c.email)
		if err == nil {
			continue
		}
		if errors.Is(err, backend.ErrNotFound) && opts.IgnoreNotFound {
			continue
		}
		if errors.Is(err, backend.ErrPermissionDenied) && opts.IgnorePermissionErrors {
			continue
		}
		return err
	}
	return nil
}
