// ownercache.go implements the data owner's event cache: the authoritative
// mapping from datasite paths to content hashes, the materialized files, and
// the applied-event audit trail. The cache exclusively owns its stores; only
// the owner syncer's goroutine touches it.
package cache

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/syftmsg"
)

var ownerLog = log.Module("cache")

// Path prefixes that are never tracked by the event cache. Datasets travel
// over their own collection channel and private data never leaves the
// owner's host.
const (
	PrivatePrefix  = "private/"
	DatasetsPrefix = "public/syft_datasets/"
	VenvSegment    = ".venv"
)

// EventSink receives a notification each time the cache records an applied
// accepted event, whether or not the event's file was written locally.
// Restoring a checkpoint or a list of events (ApplyCheckpoint, ApplyEvents)
// does not notify it. It decouples the cache from the layers above it.
type EventSink func(path string, content []byte)

// excludedPath reports whether path is outside the tracked datasite.
func excludedPath(path string) bool {
	if strings.HasPrefix(path, PrivatePrefix) || strings.HasPrefix(path, DatasetsPrefix) {
		return true
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == VenvSegment {
			return true
		}
	}
	return false
}

// EventCacheConfig configures an EventCache.
type EventCacheConfig struct {
	Email string

	// Files materializes the datasite; Events keeps the applied-event
	// audit trail. Both default to in-memory stores.
	Files  Store
	Events Store
}

// EventCache is the owner's authoritative local state.
type EventCache struct {
	email  string
	files  Store
	events Store

	fileHashes       map[string]string
	collectionHashes map[string]string
	appliedEventIDs  map[uuid.UUID]bool

	latestCachedTimestamp float64

	onEventLocalWrite EventSink
}

// NewEventCache creates an event cache from cfg.
func NewEventCache(cfg EventCacheConfig) *EventCache {
	files := cfg.Files
	if files == nil {
		files = NewMemStore()
	}
	events := cfg.Events
	if events == nil {
		events = NewMemStore()
	}
	return &EventCache{
		email:            cfg.Email,
		files:            files,
		events:           events,
		fileHashes:       make(map[string]string),
		collectionHashes: make(map[string]string),
		appliedEventIDs:  make(map[uuid.UUID]bool),
	}
}

// SetEventSink installs the local-write notification hook.
func (c *EventCache) SetEventSink(sink EventSink) {
	c.onEventLocalWrite = sink
}

// Email returns the owner this cache belongs to.
func (c *EventCache) Email() string { return c.email }

// FileHashes returns a copy of the path -> hash map.
func (c *EventCache) FileHashes() map[string]string {
	out := make(map[string]string, len(c.fileHashes))
	for path, hash := range c.fileHashes {
		out[path] = hash
	}
	return out
}

// CurrentHash returns the tracked hash for path, or nil when untracked.
func (c *EventCache) CurrentHash(path string) *string {
	hash, ok := c.fileHashes[path]
	if !ok {
		return nil
	}
	return &hash
}

// LatestCachedTimestamp returns the maximum message timestamp ever applied.
func (c *EventCache) LatestCachedTimestamp() float64 {
	return c.latestCachedTimestamp
}

// CollectionHash returns the cached content hash for a dataset collection
// tag, or "" when unknown.
func (c *EventCache) CollectionHash(tag string) string {
	return c.collectionHashes[tag]
}

// SetCollectionHash records a dataset collection's content hash.
func (c *EventCache) SetCollectionHash(tag, contentHash string) {
	c.collectionHashes[tag] = contentHash
}

// ReadFile returns the materialized content for path.
func (c *EventCache) ReadFile(path string) ([]byte, error) {
	return c.files.Read(path)
}

// WriteLocalFile materializes content for path without emitting an event.
// Used when restoring state the cache already accounts for.
func (c *EventCache) WriteLocalFile(path string, content []byte) error {
	return c.files.Write(path, content)
}

// Clear drops all cache state.
func (c *EventCache) Clear() error {
	if err := c.files.Clear(); err != nil {
		return err
	}
	if err := c.events.Clear(); err != nil {
		return err
	}
	c.fileHashes = make(map[string]string)
	c.collectionHashes = make(map[string]string)
	c.appliedEventIDs = make(map[uuid.UUID]bool)
	c.latestCachedTimestamp = 0
	return nil
}

// recordEvent persists an applied event in the audit trail and fires the
// local-write hook.
func (c *EventCache) recordEvent(event *syftmsg.FileChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "serialize event")
	}
	if err := c.events.Write(event.ID.String(), data); err != nil {
		return err
	}
	c.appliedEventIDs[event.ID] = true
	if c.onEventLocalWrite != nil {
		c.onEventLocalWrite(event.PathInDatasite, event.Content)
	}
	return nil
}

// applyEvent updates hashes, materializes or deletes the file, and records
// the event.
func (c *EventCache) applyEvent(event *syftmsg.FileChangeEvent, writeFile bool) error {
	if event.IsDeleted {
		delete(c.fileHashes, event.PathInDatasite)
		if writeFile {
			if err := c.files.Delete(event.PathInDatasite); err != nil {
				return err
			}
		}
	} else {
		if event.NewHash != nil {
			c.fileHashes[event.PathInDatasite] = *event.NewHash
		}
		if writeFile {
			if err := c.files.Write(event.PathInDatasite, event.Content); err != nil {
				return err
			}
		}
	}
	return c.recordEvent(event)
}

// ProcessLocalFileChanges walks the materialized datasite and emits an event
// for every file whose content hash differs from the tracked hash, plus a
// deletion event for every tracked path that no longer exists. Returns nil
// when nothing changed.
func (c *EventCache) ProcessLocalFileChanges() (*syftmsg.AcceptedEventsMessage, error) {
	items, err := c.files.Items()
	if err != nil {
		return nil, err
	}

	events := make([]*syftmsg.FileChangeEvent, 0)
	present := make(map[string]bool, len(items))
	for _, item := range items {
		if excludedPath(item.Path) {
			continue
		}
		present[item.Path] = true
		currentHash := hashutil.ContentHash(item.Content)
		if tracked, ok := c.fileHashes[item.Path]; ok && tracked == currentHash {
			continue
		}
		oldHash := c.CurrentHash(item.Path)
		ts := hashutil.Now()
		hash := currentHash
		contentType := syftmsg.ContentTypeText
		if !utf8.Valid(item.Content) {
			contentType = syftmsg.ContentTypeBinary
		}
		event := &syftmsg.FileChangeEvent{
			ID:                 uuid.New(),
			PathInDatasite:     item.Path,
			DatasiteEmail:      c.email,
			Content:            item.Content,
			ContentType:        contentType,
			OldHash:            oldHash,
			NewHash:            &hash,
			SubmittedTimestamp: ts,
			Timestamp:          ts,
		}
		// Already on disk; only the bookkeeping needs updating.
		if err := c.applyEvent(event, false); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	for path := range c.fileHashes {
		if present[path] || excludedPath(path) {
			continue
		}
		oldHash := c.CurrentHash(path)
		ts := hashutil.Now()
		event := &syftmsg.FileChangeEvent{
			ID:                 uuid.New(),
			PathInDatasite:     path,
			DatasiteEmail:      c.email,
			OldHash:            oldHash,
			IsDeleted:          true,
			SubmittedTimestamp: ts,
			Timestamp:          ts,
		}
		if err := c.applyEvent(event, false); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, nil
	}
	return syftmsg.NewAcceptedEventsMessage(events), nil
}

// hasConflict reports whether a proposed change's old hash disagrees with
// the tracked state, treating nil and absent as equal.
func (c *EventCache) hasConflict(pc *syftmsg.ProposedChange) bool {
	current, tracked := c.fileHashes[pc.PathInDatasite]
	if !tracked {
		return pc.OldHash != nil
	}
	return pc.OldHash == nil || *pc.OldHash != current
}

// ProcessProposedEventsMessage validates each proposed change in order and
// applies the survivors. Conflicting changes are dropped silently; partial
// acceptance is allowed. Returns nil when no change survived.
func (c *EventCache) ProcessProposedEventsMessage(msg *syftmsg.ProposedChangeMessage) (*syftmsg.AcceptedEventsMessage, error) {
	accepted := make([]*syftmsg.FileChangeEvent, 0, len(msg.ProposedChanges))
	for _, pc := range msg.ProposedChanges {
		if err := syftmsg.ValidatePath(pc.PathInDatasite); err != nil {
			ownerLog.WithField("path", pc.PathInDatasite).Warn("dropping proposed change with invalid path")
			continue
		}
		if c.hasConflict(pc) {
			ownerLog.WithField("path", pc.PathInDatasite).
				WithField("sender", msg.SenderEmail).
				Debug("dropping conflicting proposed change")
			continue
		}
		event := syftmsg.EventFromProposedChange(pc)
		if err := c.applyEvent(event, true); err != nil {
			return nil, err
		}
		accepted = append(accepted, event)
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	return syftmsg.NewAcceptedEventsMessage(accepted), nil
}

// ApplyCheckpoint replaces the cache state with the checkpoint's file set.
func (c *EventCache) ApplyCheckpoint(ckpt *syftmsg.Checkpoint, writeFiles bool) error {
	c.fileHashes = make(map[string]string, len(ckpt.Files))
	for _, f := range ckpt.Files {
		c.fileHashes[f.Path] = f.Hash
		if writeFiles {
			if err := c.files.Write(f.Path, f.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyEvents applies a restored event list (incremental checkpoint or
// rolling state) to the cache.
func (c *EventCache) ApplyEvents(events []*syftmsg.FileChangeEvent, writeFiles bool) error {
	for _, event := range events {
		if event.IsDeleted {
			delete(c.fileHashes, event.PathInDatasite)
			if writeFiles {
				if err := c.files.Delete(event.PathInDatasite); err != nil {
					return err
				}
			}
			continue
		}
		if event.NewHash != nil {
			c.fileHashes[event.PathInDatasite] = *event.NewHash
		}
		if writeFiles {
			if err := c.files.Write(event.PathInDatasite, event.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddEventsMessageToLocalCache applies an accepted-events message
// idempotently: events whose id was already applied are ignored. The latest
// cached timestamp advances to the message timestamp when it is newer.
func (c *EventCache) AddEventsMessageToLocalCache(msg *syftmsg.AcceptedEventsMessage) error {
	for _, event := range msg.Events {
		if c.appliedEventIDs[event.ID] {
			continue
		}
		if err := c.applyEvent(event, true); err != nil {
			return err
		}
	}
	if msg.Timestamp() > c.latestCachedTimestamp {
		c.latestCachedTimestamp = msg.Timestamp()
	}
	return nil
}

// CreateCheckpoint snapshots the current cache state into a full
// checkpoint. Dataset-collection paths never appear; deletions are absent
// by construction since deleted paths leave fileHashes.
func (c *EventCache) CreateCheckpoint(lastEventTimestamp *float64) (*syftmsg.Checkpoint, error) {
	files := make([]syftmsg.CheckpointFile, 0, len(c.fileHashes))
	items, err := c.files.Items()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		hash, tracked := c.fileHashes[item.Path]
		if !tracked || excludedPath(item.Path) {
			continue
		}
		files = append(files, syftmsg.CheckpointFile{
			Path:    item.Path,
			Hash:    hash,
			Content: item.Content,
		})
	}
	return syftmsg.NewCheckpoint(c.email, files, lastEventTimestamp), nil
}

// CachedEvents returns every event in the audit trail.
func (c *EventCache) CachedEvents() ([]*syftmsg.FileChangeEvent, error) {
	items, err := c.events.Items()
	if err != nil {
		return nil, err
	}
	events := make([]*syftmsg.FileChangeEvent, 0, len(items))
	for _, item := range items {
		var event syftmsg.FileChangeEvent
		if err := json.Unmarshal(item.Content, &event); err != nil {
			return nil, errors.Wrap(err, "decode cached event")
		}
		events = append(events, &event)
	}
	return events, nil
}

// Close releases the underlying stores.
func (c *EventCache) Close() error {
	if err := c.files.Close(); err != nil {
		return err
	}
	return c.events.Close()
}
