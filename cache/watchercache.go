// watchercache.go implements the data scientist's mirror of peer outboxes:
// a local read-only view of each peer's datasite plus per-peer high-water
// marks over the accepted-event stream. Downloads fan out over copied
// connections; application is strictly ordered by message timestamp with
// ties broken by message id.
package cache

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/syftmsg"
)

var watcherLog = log.Module("cache")

// DefaultDownloadWorkers bounds the parallel download fan-out.
const DefaultDownloadWorkers = 10

// WatcherCacheConfig configures a WatcherCache.
type WatcherCacheConfig struct {
	Email  string
	Router *backend.ConnectionRouter

	// Files mirrors peer datasites locally, keyed by
	// <owner_email>/<path_in_datasite>. Defaults to an in-memory store.
	Files Store

	// DownloadWorkers bounds the parallel fan-out; defaults to
	// DefaultDownloadWorkers.
	DownloadWorkers int
}

// WatcherCache mirrors peers' accepted events into a local view.
type WatcherCache struct {
	email   string
	router  *backend.ConnectionRouter
	files   Store
	workers int

	fileHashes       map[string]string
	collectionHashes map[string]string

	// lastEventTimestampPerPeer is the per-peer high-water mark; monotone
	// non-decreasing across syncs.
	lastEventTimestampPerPeer map[string]float64

	// appliedMessageIDs guards against re-applying a message whose
	// timestamp equals the high-water mark.
	appliedMessageIDs map[uuid.UUID]bool
}

// NewWatcherCache creates a watcher cache from cfg.
func NewWatcherCache(cfg WatcherCacheConfig) *WatcherCache {
	files := cfg.Files
	if files == nil {
		files = NewMemStore()
	}
	workers := cfg.DownloadWorkers
	if workers <= 0 {
		workers = DefaultDownloadWorkers
	}
	return &WatcherCache{
		email:                     cfg.Email,
		router:                    cfg.Router,
		files:                     files,
		workers:                   workers,
		fileHashes:                make(map[string]string),
		collectionHashes:          make(map[string]string),
		lastEventTimestampPerPeer: make(map[string]float64),
		appliedMessageIDs:         make(map[uuid.UUID]bool),
	}
}

// LastEventTimestamp returns the high-water mark for peer, or nil before
// the first sync.
func (c *WatcherCache) LastEventTimestamp(peerEmail string) *float64 {
	ts, ok := c.lastEventTimestampPerPeer[peerEmail]
	if !ok {
		return nil
	}
	return &ts
}

// CurrentHashForFile returns the tracked hash for a syftbox-relative path
// (<owner_email>/<path_in_datasite>), or nil when untracked.
func (c *WatcherCache) CurrentHashForFile(path string) *string {
	hash, ok := c.fileHashes[path]
	if !ok {
		return nil
	}
	return &hash
}

// FileHashes returns a copy of the tracked hash map.
func (c *WatcherCache) FileHashes() map[string]string {
	out := make(map[string]string, len(c.fileHashes))
	for path, hash := range c.fileHashes {
		out[path] = hash
	}
	return out
}

// ReadFile returns the mirrored content for a syftbox-relative path.
func (c *WatcherCache) ReadFile(path string) ([]byte, error) {
	return c.files.Read(path)
}

// Clear drops all mirrored state.
func (c *WatcherCache) Clear() error {
	if err := c.files.Clear(); err != nil {
		return err
	}
	c.fileHashes = make(map[string]string)
	c.collectionHashes = make(map[string]string)
	c.lastEventTimestampPerPeer = make(map[string]float64)
	c.appliedMessageIDs = make(map[uuid.UUID]bool)
	return nil
}

// applyEvent materializes one accepted event into the local view.
func (c *WatcherCache) applyEvent(event *syftmsg.FileChangeEvent) error {
	path := event.PathInSyftbox()
	if event.IsDeleted {
		delete(c.fileHashes, path)
		return c.files.Delete(path)
	}
	if event.NewHash != nil {
		c.fileHashes[path] = *event.NewHash
	}
	return c.files.Write(path, event.Content)
}

// SyncDownParallel lists peerEmail's DS-facing outbox above the high-water
// mark, downloads the new messages in parallel over copied connections, and
// applies them in ascending message-timestamp order.
func (c *WatcherCache) SyncDownParallel(ctx context.Context, peerEmail string) error {
	since := c.LastEventTimestamp(peerEmail)
	metas, err := c.router.OutboxFileMetas(ctx, peerEmail, since)
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			// No transfer folder yet; nothing to sync.
			return nil
		}
		return err
	}
	if len(metas) == 0 {
		return nil
	}

	messages := make([]*syftmsg.AcceptedEventsMessage, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, meta := range metas {
		i, meta := i, meta
		conn := c.router.ConnectionForParallelDownload()
		g.Go(func() error {
			msg, err := conn.DownloadEventsMessageFromOutbox(gctx, meta.ID)
			if err != nil {
				watcherLog.WithField("file", meta.Name).WithError(err).Warn("skipping undownloadable message")
				return nil
			}
			messages[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	valid := messages[:0]
	for _, msg := range messages {
		if msg != nil {
			valid = append(valid, msg)
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].Timestamp() != valid[j].Timestamp() {
			return valid[i].Timestamp() < valid[j].Timestamp()
		}
		return valid[i].FileName.ID.String() < valid[j].FileName.ID.String()
	})

	highWater := 0.0
	if since != nil {
		highWater = *since
	}
	for _, msg := range valid {
		if since != nil && msg.Timestamp() < *since {
			continue
		}
		if c.appliedMessageIDs[msg.FileName.ID] {
			continue
		}
		for _, event := range msg.Events {
			if err := c.applyEvent(event); err != nil {
				return err
			}
		}
		c.appliedMessageIDs[msg.FileName.ID] = true
		if msg.Timestamp() > highWater {
			highWater = msg.Timestamp()
		}
	}
	if highWater > 0 {
		c.lastEventTimestampPerPeer[peerEmail] = highWater
	}
	return nil
}

// SyncDownDatasetsParallel mirrors peerEmail's shared dataset collections
// whose content hash differs from the cached per-collection hash. Files
// land under public/syft_datasets/<tag>/ in the local view.
func (c *WatcherCache) SyncDownDatasetsParallel(ctx context.Context, peerEmail string) error {
	collections, err := c.router.DatasetCollectionsAsDS(ctx)
	if err != nil {
		return err
	}
	for _, collection := range collections {
		if collection.OwnerEmail != peerEmail {
			continue
		}
		if c.collectionHashes[collection.Tag] == collection.ContentHash {
			continue
		}
		if err := c.downloadCollection(ctx, collection); err != nil {
			return err
		}
		c.collectionHashes[collection.Tag] = collection.ContentHash
	}
	return nil
}

func (c *WatcherCache) downloadCollection(ctx context.Context, collection backend.Collection) error {
	metas, err := c.router.DatasetCollectionFileMetas(ctx, collection.Tag, collection.ContentHash, collection.OwnerEmail)
	if err != nil {
		return err
	}
	contents := make([][]byte, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, meta := range metas {
		i, meta := i, meta
		conn := c.router.ConnectionForParallelDownload()
		g.Go(func() error {
			data, err := conn.DownloadDatasetFile(gctx, meta.ID)
			if err != nil {
				return err
			}
			contents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, meta := range metas {
		path := DatasetsPrefix + collection.Tag + "/" + meta.Name
		if err := c.files.Write(path, contents[i]); err != nil {
			return err
		}
	}
	return nil
}
