// connection.go implements the backend.Connection contract on top of the
// shared Store. One Connection acts as one participant; Copy hands out
// siblings for worker goroutines. Folder ids are memoized in a TTL cache so
// steady-state syncs spend their calls on listings and downloads only.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/syftmsg"
)

var logger = log.Module("memstore")

// rootFolderName is each participant's top-level folder.
const rootFolderName = "SyftBox"

// DefaultPageSize is the listing page size used when the config leaves it
// zero.
const DefaultPageSize = 100

// peerEntry is one record in SYFT_peers.json.
type peerEntry struct {
	State string `json:"state"`
}

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	Email    string
	PageSize int
}

// Connection is one participant's handle on the store. Not safe for
// concurrent use; obtain a Copy per worker goroutine.
type Connection struct {
	store    *Store
	email    string
	pageSize int

	// folderIDs memoizes folder name -> object id lookups.
	folderIDs *gocache.Cache

	// rollingStateFileID caches the rolling-state object id so uploads can
	// update in place with a single call.
	rollingStateFileID string
}

var _ backend.Connection = (*Connection)(nil)

// NewConnection creates a connection for cfg.Email against store.
func NewConnection(store *Store, cfg ConnectionConfig) *Connection {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Connection{
		store:     store,
		email:     cfg.Email,
		pageSize:  pageSize,
		folderIDs: gocache.New(30*time.Minute, time.Hour),
	}
}

// OwnerEmail implements backend.Connection.
func (c *Connection) OwnerEmail() string { return c.email }

// Store exposes the backing store, primarily for tests.
func (c *Connection) Store() *Store { return c.store }

// Copy implements backend.Connection. The copy shares the store but owns
// fresh caches.
func (c *Connection) Copy() backend.Connection {
	return &Connection{
		store:     c.store,
		email:     c.email,
		pageSize:  c.pageSize,
		folderIDs: gocache.New(30*time.Minute, time.Hour),
	}
}

// ResetCaches implements backend.Connection.
func (c *Connection) ResetCaches() {
	c.folderIDs.Flush()
	c.rollingStateFileID = ""
}

// --- folder helpers ---

func (c *Connection) cachedFolderID(name string) (string, bool) {
	v, ok := c.folderIDs.Get(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *Connection) rootFolderID() (string, error) {
	if id, ok := c.cachedFolderID(rootFolderName); ok {
		return id, nil
	}
	id := c.store.FindFolderOwnedBy(rootFolderName, c.email)
	if id == "" {
		var err error
		id, err = c.store.CreateFolder(rootFolderName, "", c.email)
		if err != nil {
			return "", err
		}
	}
	c.folderIDs.Set(rootFolderName, id, gocache.NoExpiration)
	return id, nil
}

// ownFolderID finds or creates a folder by name under the caller's root.
func (c *Connection) ownFolderID(name string, create bool) (string, error) {
	if id, ok := c.cachedFolderID(name); ok {
		return id, nil
	}
	rootID, err := c.rootFolderID()
	if err != nil {
		return "", err
	}
	id := c.store.FindFolder(name, rootID, c.email)
	if id == "" {
		if !create {
			return "", errors.Wrap(backend.ErrFolderNotFound, name)
		}
		id, err = c.store.CreateFolder(name, rootID, c.email)
		if err != nil {
			return "", err
		}
	}
	c.folderIDs.Set(name, id, gocache.NoExpiration)
	return id, nil
}

// parseTransferFolderName splits syft_outbox_inbox_<sender>_to_<recipient>.
func parseTransferFolderName(name string) (sender, recipient string, ok bool) {
	rest := strings.TrimPrefix(name, backend.OutboxInboxFolderPrefix+"_")
	if rest == name {
		return "", "", false
	}
	parts := strings.SplitN(rest, "_to_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// --- peer state file ---

func (c *Connection) readPeersFile() (map[string]peerEntry, error) {
	rootID, err := c.rootFolderID()
	if err != nil {
		return nil, err
	}
	id := c.store.FindFileInFolder(backend.PeersFileName, rootID, c.email)
	if id == "" {
		return make(map[string]peerEntry), nil
	}
	data, err := c.store.ReadFile(id, c.email)
	if err != nil {
		return nil, err
	}
	peers := make(map[string]peerEntry)
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, errors.Wrap(err, "decode peers file")
	}
	return peers, nil
}

func (c *Connection) writePeersFile(peers map[string]peerEntry) error {
	rootID, err := c.rootFolderID()
	if err != nil {
		return err
	}
	data, err := json.Marshal(peers)
	if err != nil {
		return errors.Wrap(err, "encode peers file")
	}
	id := c.store.FindFileInFolder(backend.PeersFileName, rootID, c.email)
	if id != "" {
		return c.store.UpdateFile(id, data, c.email)
	}
	_, err = c.store.CreateFile(backend.PeersFileName, rootID, data, c.email)
	return err
}

// --- peer lifecycle ---

// AddPeerAsDS implements backend.Connection. The caller creates both
// transfer folders, grants the counterpart write access, and records the
// outgoing request.
func (c *Connection) AddPeerAsDS(ctx context.Context, peerEmail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rootID, err := c.rootFolderID()
	if err != nil {
		return err
	}
	for _, name := range []string{
		backend.OutboxInboxFolderName(c.email, peerEmail),
		backend.OutboxInboxFolderName(peerEmail, c.email),
	} {
		id := c.store.FindFolder(name, rootID, c.email)
		if id == "" {
			id, err = c.store.CreateFolder(name, rootID, c.email)
			if err != nil {
				return err
			}
		}
		if err := c.store.Grant(id, peerEmail, true, c.email); err != nil {
			return err
		}
		c.folderIDs.Set(name, id, gocache.NoExpiration)
	}

	peers, err := c.readPeersFile()
	if err != nil {
		return err
	}
	if _, ok := peers[peerEmail]; !ok {
		peers[peerEmail] = peerEntry{State: "outstanding"}
		if err := c.writePeersFile(peers); err != nil {
			return err
		}
	}
	return nil
}

// PeersAsDS implements backend.Connection.
func (c *Connection) PeersAsDS(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peers, err := c.readPeersFile()
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(peers))
	for email := range peers {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	return emails, nil
}

// ApprovedPeersAsDO implements backend.Connection.
func (c *Connection) ApprovedPeersAsDO(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peers, err := c.readPeersFile()
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0)
	for email, entry := range peers {
		if entry.State == "accepted" {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)
	return emails, nil
}

// PeerRequestsAsDO implements backend.Connection. Pending requests are
// discovered from transfer folders addressed to the owner whose sender is
// not yet accepted or rejected.
func (c *Connection) PeerRequestsAsDO(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peers, err := c.readPeersFile()
	if err != nil {
		return nil, err
	}
	pending := make([]string, 0)
	seen := make(map[string]bool)
	for _, info := range c.store.FolderInfosWithPrefix(backend.OutboxInboxFolderPrefix+"_", c.email) {
		sender, recipient, ok := parseTransferFolderName(info.Name)
		if !ok || recipient != c.email || sender == c.email || seen[sender] {
			continue
		}
		seen[sender] = true
		if entry, ok := peers[sender]; ok && (entry.State == "accepted" || entry.State == "rejected") {
			continue
		}
		pending = append(pending, sender)
	}
	sort.Strings(pending)
	return pending, nil
}

// UpdatePeerState implements backend.Connection.
func (c *Connection) UpdatePeerState(ctx context.Context, peerEmail, state string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peers, err := c.readPeersFile()
	if err != nil {
		return err
	}
	peers[peerEmail] = peerEntry{State: state}
	return c.writePeersFile(peers)
}

// --- proposed change transfer ---

// SendProposedChangeMessage implements backend.Connection.
func (c *Connection) SendProposedChangeMessage(ctx context.Context, recipient string, msg *syftmsg.ProposedChangeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	folderID, err := c.sharedFolderIDOrOwn(backend.OutboxInboxFolderName(c.email, recipient))
	if err != nil {
		return errors.Wrapf(err, "no transfer folder toward %s, add the peer first", recipient)
	}
	data, err := msg.Compressed()
	if err != nil {
		return err
	}
	id, err := c.store.CreateFile(msg.FileName.String(), folderID, data, c.email)
	if err != nil {
		return err
	}
	msg.PlatformID = id
	return nil
}

// sharedFolderIDOrOwn resolves a transfer folder whichever side created it.
func (c *Connection) sharedFolderIDOrOwn(name string) (string, error) {
	if id, ok := c.cachedFolderID(name); ok {
		return id, nil
	}
	id := c.store.FindFolder(name, "", c.email)
	if id == "" {
		return "", errors.Wrap(backend.ErrFolderNotFound, name)
	}
	c.folderIDs.Set(name, id, gocache.NoExpiration)
	return id, nil
}

// NextProposedChangeMessage implements backend.Connection. The oldest valid
// message wins; malformed payloads are logged and skipped.
func (c *Connection) NextProposedChangeMessage(ctx context.Context, senderEmail string) (*syftmsg.ProposedChangeMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folderID, err := c.sharedFolderIDOrOwn(backend.OutboxInboxFolderName(senderEmail, c.email))
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		meta backend.FileMeta
		name syftmsg.ProposedMessageFileName
	}
	candidates := make([]candidate, 0, len(metas))
	for _, meta := range metas {
		parsed, err := syftmsg.ParseProposedMessageFileName(meta.Name)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{meta: meta, name: parsed})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].name.SubmittedTimestamp != candidates[j].name.SubmittedTimestamp {
			return candidates[i].name.SubmittedTimestamp < candidates[j].name.SubmittedTimestamp
		}
		return candidates[i].name.UID < candidates[j].name.UID
	})

	for _, cand := range candidates {
		data, err := c.store.ReadFile(cand.meta.ID, c.email)
		if err != nil {
			return nil, err
		}
		msg, err := syftmsg.ProposedChangeMessageFromCompressed(data)
		if err != nil {
			logger.WithField("file", cand.meta.Name).WithError(err).Warn("skipping malformed proposed message")
			continue
		}
		msg.PlatformID = cand.meta.ID
		return msg, nil
	}
	return nil, nil
}

// ArchiveProposedChangeMessage implements backend.Connection. The move is a
// single atomic reparent; the message is never copy-then-deleted.
func (c *Connection) ArchiveProposedChangeMessage(ctx context.Context, msg *syftmsg.ProposedChangeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inboxID, err := c.sharedFolderIDOrOwn(backend.OutboxInboxFolderName(msg.SenderEmail, c.email))
	if err != nil {
		return err
	}
	archiveID, err := c.ownFolderID(backend.ArchiveFolderName(msg.SenderEmail, c.email), true)
	if err != nil {
		return err
	}
	fileID := msg.PlatformID
	if fileID == "" {
		fileID = c.store.FindFileInFolder(msg.FileName.String(), inboxID, c.email)
	}
	if fileID == "" {
		return errors.Wrap(backend.ErrNotFound, msg.FileName.String())
	}
	return c.store.Reparent(fileID, archiveID, inboxID, c.email)
}

// --- listing helpers ---

func (c *Connection) listAllPages(folderID string) ([]backend.FileMeta, error) {
	all := make([]backend.FileMeta, 0)
	token := ""
	for {
		page, next, err := c.store.List(folderID, c.pageSize, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		token = next
	}
}

// listMessagesDesc lists a folder newest-first, stopping pagination as soon
// as a page holds a timestamped filename at or before since. This is the
// mandatory early-termination contract: steady-state listing cost is
// O(new events), not O(history).
func (c *Connection) listMessagesDesc(folderID string, since *float64) ([]backend.FileMeta, error) {
	out := make([]backend.FileMeta, 0)
	token := ""
	for {
		page, next, err := c.store.List(folderID, c.pageSize, token)
		if err != nil {
			return nil, err
		}
		stop := false
		for _, meta := range page {
			ts, ok := syftmsg.TimestampFromMessageFileName(meta.Name)
			if ok && since != nil {
				if ts > *since {
					out = append(out, meta)
				} else {
					stop = true
					break
				}
			} else {
				out = append(out, meta)
			}
		}
		if stop || next == "" {
			return out, nil
		}
		token = next
	}
}

// --- accepted event log and outboxes ---

func (c *Connection) personalFolderID(create bool) (string, error) {
	return c.ownFolderID(c.email, create)
}

// WriteEventsMessageToLog implements backend.Connection.
func (c *Connection) WriteEventsMessageToLog(ctx context.Context, msg *syftmsg.AcceptedEventsMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	folderID, err := c.personalFolderID(true)
	if err != nil {
		return "", err
	}
	data, err := msg.Compressed()
	if err != nil {
		return "", err
	}
	id, err := c.store.CreateFile(msg.FileName.String(), folderID, data, c.email)
	if err != nil {
		return "", err
	}
	msg.PlatformID = id
	return id, nil
}

// WriteEventsMessageToOutbox implements backend.Connection.
func (c *Connection) WriteEventsMessageToOutbox(ctx context.Context, recipient string, msg *syftmsg.AcceptedEventsMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	folderID, err := c.sharedFolderIDOrOwn(backend.OutboxInboxFolderName(c.email, recipient))
	if err != nil {
		return errors.Wrapf(err, "no outbox toward %s", recipient)
	}
	data, err := msg.Compressed()
	if err != nil {
		return err
	}
	_, err = c.store.CreateFile(msg.FileName.String(), folderID, data, c.email)
	return err
}

// AcceptedEventFileIDs implements backend.Connection.
func (c *Connection) AcceptedEventFileIDs(ctx context.Context, since *float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folderID, err := c.personalFolderID(true)
	if err != nil {
		return nil, err
	}
	metas, err := c.listMessagesDesc(folderID, since)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(metas))
	for _, meta := range metas {
		if _, err := syftmsg.ParseEventsMessageFileName(meta.Name); err != nil {
			continue
		}
		ids = append(ids, meta.ID)
	}
	return ids, nil
}

// DownloadEventsMessage implements backend.Connection.
func (c *Connection) DownloadEventsMessage(ctx context.Context, fileID string) (*syftmsg.AcceptedEventsMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.store.ReadFile(fileID, c.email)
	if err != nil {
		return nil, err
	}
	msg, err := syftmsg.AcceptedEventsMessageFromCompressed(data)
	if err != nil {
		return nil, err
	}
	msg.PlatformID = fileID
	return msg, nil
}

// EventsMessagesSince implements backend.Connection. Messages come back in
// ascending timestamp order, ties broken by message id.
func (c *Connection) EventsMessagesSince(ctx context.Context, since float64) ([]*syftmsg.AcceptedEventsMessage, error) {
	ids, err := c.AcceptedEventFileIDs(ctx, &since)
	if err != nil {
		return nil, err
	}
	messages := make([]*syftmsg.AcceptedEventsMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := c.DownloadEventsMessage(ctx, id)
		if err != nil {
			logger.WithField("file_id", id).WithError(err).Warn("skipping malformed events message")
			continue
		}
		messages = append(messages, msg)
	}
	sortEventsMessagesAscending(messages)
	return messages, nil
}

func sortEventsMessagesAscending(messages []*syftmsg.AcceptedEventsMessage) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp() != messages[j].Timestamp() {
			return messages[i].Timestamp() < messages[j].Timestamp()
		}
		return messages[i].FileName.ID.String() < messages[j].FileName.ID.String()
	})
}

// OutboxFileMetas implements backend.Connection. Results are ascending by
// timestamp so callers can apply in order; ties order by name, which embeds
// the message id.
func (c *Connection) OutboxFileMetas(ctx context.Context, peerEmail string, since *float64) ([]backend.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folderID, err := c.sharedFolderIDOrOwn(backend.OutboxInboxFolderName(peerEmail, c.email))
	if err != nil {
		return nil, err
	}
	metas, err := c.listMessagesDesc(folderID, since)
	if err != nil {
		return nil, err
	}
	valid := make([]backend.FileMeta, 0, len(metas))
	for _, meta := range metas {
		if _, err := syftmsg.ParseEventsMessageFileName(meta.Name); err != nil {
			continue
		}
		valid = append(valid, meta)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Name < valid[j].Name })
	return valid, nil
}

// DownloadEventsMessageFromOutbox implements backend.Connection.
func (c *Connection) DownloadEventsMessageFromOutbox(ctx context.Context, fileID string) (*syftmsg.AcceptedEventsMessage, error) {
	return c.DownloadEventsMessage(ctx, fileID)
}

// --- checkpoints ---

func (c *Connection) checkpointsFolderID(create bool) (string, error) {
	return c.ownFolderID(backend.CheckpointsFolderName(c.email), create)
}

// UploadCheckpoint implements backend.Connection. Older full checkpoints
// are deleted once the new one is durable.
func (c *Connection) UploadCheckpoint(ctx context.Context, ckpt *syftmsg.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	folderID, err := c.checkpointsFolderID(true)
	if err != nil {
		return "", err
	}
	data, err := ckpt.Compressed()
	if err != nil {
		return "", err
	}
	newID, err := c.store.CreateFile(ckpt.FileName(), folderID, data, c.email)
	if err != nil {
		return "", err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return "", err
	}
	for _, meta := range metas {
		if meta.ID == newID {
			continue
		}
		if _, ok := syftmsg.ParseCheckpointTimestamp(meta.Name); !ok {
			continue
		}
		if err := c.store.Delete(meta.ID, c.email); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return "", err
		}
	}
	return newID, nil
}

// LatestCheckpoint implements backend.Connection.
func (c *Connection) LatestCheckpoint(ctx context.Context) (*syftmsg.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folderID, err := c.checkpointsFolderID(false)
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return nil, err
	}
	var latest *backend.FileMeta
	latestTS := -1.0
	for i, meta := range metas {
		ts, ok := syftmsg.ParseCheckpointTimestamp(meta.Name)
		if !ok {
			continue
		}
		if ts > latestTS {
			latestTS = ts
			latest = &metas[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	data, err := c.store.ReadFile(latest.ID, c.email)
	if err != nil {
		return nil, err
	}
	return syftmsg.CheckpointFromCompressed(data)
}

// UploadIncrementalCheckpoint implements backend.Connection.
func (c *Connection) UploadIncrementalCheckpoint(ctx context.Context, ckpt *syftmsg.IncrementalCheckpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	folderID, err := c.checkpointsFolderID(true)
	if err != nil {
		return "", err
	}
	data, err := ckpt.Compressed()
	if err != nil {
		return "", err
	}
	return c.store.CreateFile(ckpt.FileName(), folderID, data, c.email)
}

func (c *Connection) incrementalMetas() ([]backend.FileMeta, error) {
	folderID, err := c.checkpointsFolderID(false)
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return nil, err
	}
	out := make([]backend.FileMeta, 0, len(metas))
	for _, meta := range metas {
		if _, ok := syftmsg.ParseIncrementalCheckpointSeq(meta.Name); ok {
			out = append(out, meta)
		}
	}
	return out, nil
}

// IncrementalCheckpoints implements backend.Connection. Results are in
// sequence order.
func (c *Connection) IncrementalCheckpoints(ctx context.Context) ([]*syftmsg.IncrementalCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metas, err := c.incrementalMetas()
	if err != nil {
		return nil, err
	}
	checkpoints := make([]*syftmsg.IncrementalCheckpoint, 0, len(metas))
	for _, meta := range metas {
		data, err := c.store.ReadFile(meta.ID, c.email)
		if err != nil {
			return nil, err
		}
		ckpt, err := syftmsg.IncrementalCheckpointFromCompressed(data)
		if err != nil {
			logger.WithField("file", meta.Name).WithError(err).Warn("skipping malformed incremental checkpoint")
			continue
		}
		checkpoints = append(checkpoints, ckpt)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].SequenceNumber < checkpoints[j].SequenceNumber
	})
	return checkpoints, nil
}

// IncrementalCheckpointCount implements backend.Connection.
func (c *Connection) IncrementalCheckpointCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	metas, err := c.incrementalMetas()
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

// NextIncrementalSequenceNumber implements backend.Connection.
func (c *Connection) NextIncrementalSequenceNumber(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	metas, err := c.incrementalMetas()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, meta := range metas {
		if seq, ok := syftmsg.ParseIncrementalCheckpointSeq(meta.Name); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// DeleteAllIncrementalCheckpoints implements backend.Connection.
func (c *Connection) DeleteAllIncrementalCheckpoints(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metas, err := c.incrementalMetas()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if err := c.store.Delete(meta.ID, c.email); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return nil
}

// --- rolling state ---

func (c *Connection) rollingStateFolderID(create bool) (string, error) {
	return c.ownFolderID(backend.RollingStateFolderName(c.email), create)
}

// UploadRollingState implements backend.Connection. With a cached object id
// the upload is a single in-place update; otherwise it creates and caches.
func (c *Connection) UploadRollingState(ctx context.Context, rs *syftmsg.RollingState) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := rs.Compressed()
	if err != nil {
		return "", err
	}
	if c.rollingStateFileID != "" {
		if err := c.store.UpdateFile(c.rollingStateFileID, data, c.email); err == nil {
			return c.rollingStateFileID, nil
		}
		// Deleted externally; fall back to create.
		c.rollingStateFileID = ""
	}
	folderID, err := c.rollingStateFolderID(true)
	if err != nil {
		return "", err
	}
	id, err := c.store.CreateFile(rs.FileName(), folderID, data, c.email)
	if err != nil {
		return "", err
	}
	c.rollingStateFileID = id
	return id, nil
}

// RollingState implements backend.Connection. The object id is cached so
// the next upload is in place.
func (c *Connection) RollingState(ctx context.Context) (*syftmsg.RollingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	folderID, err := c.rollingStateFolderID(false)
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return nil, err
	}
	var latest *backend.FileMeta
	latestTS := -1.0
	for i, meta := range metas {
		ts, ok := syftmsg.ParseRollingStateTimestamp(meta.Name)
		if !ok {
			continue
		}
		if ts > latestTS {
			latestTS = ts
			latest = &metas[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	c.rollingStateFileID = latest.ID
	data, err := c.store.ReadFile(latest.ID, c.email)
	if err != nil {
		return nil, err
	}
	rs, err := syftmsg.RollingStateFromCompressed(data)
	if err != nil {
		logger.WithError(err).Warn("failed to load rolling state")
		c.rollingStateFileID = ""
		return nil, nil
	}
	return rs, nil
}

// DeleteRollingState implements backend.Connection.
func (c *Connection) DeleteRollingState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.rollingStateFileID = ""
	folderID, err := c.rollingStateFolderID(false)
	if err != nil {
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil
		}
		return err
	}
	metas, err := c.listAllPages(folderID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if _, ok := syftmsg.ParseRollingStateTimestamp(meta.Name); !ok {
			continue
		}
		if err := c.store.Delete(meta.ID, c.email); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return nil
}
