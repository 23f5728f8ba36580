// router.go implements the ConnectionRouter: the single point that maps each
// logical protocol operation onto a concrete backend connection. The
// strategy table is trivial today (every operation resolves to the first
// connection) but keeps the seam for routing across heterogeneous backends.
// Parallel-download callers always receive a fresh copy because connections
// are not safe for concurrent use.
package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/syftmsg"
)

// ErrNoConnections reports a router constructed without any backend.
var ErrNoConnections = errors.New("backend: router has no connections")

// ConnectionRouter dispatches logical operations to backend connections.
type ConnectionRouter struct {
	connections []Connection
}

// NewConnectionRouter builds a router over the given connections.
func NewConnectionRouter(conns ...Connection) *ConnectionRouter {
	return &ConnectionRouter{connections: conns}
}

// AddConnection appends a connection to the routing table.
func (r *ConnectionRouter) AddConnection(conn Connection) {
	r.connections = append(r.connections, conn)
}

// --- strategy table ---

func (r *ConnectionRouter) primary() Connection {
	return r.connections[0]
}

// ConnectionForEventlog resolves the connection carrying the accepted-event
// log. createNew requests a thread-safe copy.
func (r *ConnectionRouter) ConnectionForEventlog(createNew bool) Connection {
	if createNew {
		return r.primary().Copy()
	}
	return r.primary()
}

// ConnectionForOutbox resolves the connection carrying per-recipient
// outboxes.
func (r *ConnectionRouter) ConnectionForOutbox() Connection {
	return r.primary()
}

// ConnectionForDatasiteWatcher resolves the connection a data scientist
// watches peers through.
func (r *ConnectionRouter) ConnectionForDatasiteWatcher() Connection {
	return r.primary()
}

// ConnectionForParallelDownload always returns a fresh copy so callers can
// fan out to worker goroutines.
func (r *ConnectionRouter) ConnectionForParallelDownload() Connection {
	return r.ConnectionForDatasiteWatcher().Copy()
}

// ConnectionForOwnSyftbox resolves the connection for the owner's own
// folders (checkpoints, rolling state, version file, maintenance).
func (r *ConnectionRouter) ConnectionForOwnSyftbox() Connection {
	return r.primary()
}

// ConnectionForVersionRead resolves the connection version files are read
// through. createNew requests a thread-safe copy.
func (r *ConnectionRouter) ConnectionForVersionRead(createNew bool) Connection {
	if createNew {
		return r.primary().Copy()
	}
	return r.primary()
}

// --- peer lifecycle ---

// AddPeerAsDS creates the transfer folders toward peerEmail and records the
// pending request.
func (r *ConnectionRouter) AddPeerAsDS(ctx context.Context, peerEmail string) error {
	return r.primary().AddPeerAsDS(ctx, peerEmail)
}

// PeersAsDS lists all of the caller's peer relationships.
func (r *ConnectionRouter) PeersAsDS(ctx context.Context) ([]string, error) {
	return r.primary().PeersAsDS(ctx)
}

// ApprovedPeersAsDO lists accepted peers.
func (r *ConnectionRouter) ApprovedPeersAsDO(ctx context.Context) ([]string, error) {
	return r.primary().ApprovedPeersAsDO(ctx)
}

// PeerRequestsAsDO lists pending peer requests.
func (r *ConnectionRouter) PeerRequestsAsDO(ctx context.Context) ([]string, error) {
	return r.primary().PeerRequestsAsDO(ctx)
}

// UpdatePeerState records a peer state transition.
func (r *ConnectionRouter) UpdatePeerState(ctx context.Context, peerEmail, state string) error {
	return r.primary().UpdatePeerState(ctx, peerEmail, state)
}

// --- proposed change transfer ---

// SendProposedChangeMessage writes a proposed-change message into the
// recipient's inbox.
func (r *ConnectionRouter) SendProposedChangeMessage(ctx context.Context, recipient string, msg *syftmsg.ProposedChangeMessage) error {
	return r.primary().SendProposedChangeMessage(ctx, recipient, msg)
}

// NextProposedChangeMessage pulls the oldest pending message from
// senderEmail's inbox, or nil when drained.
func (r *ConnectionRouter) NextProposedChangeMessage(ctx context.Context, senderEmail string) (*syftmsg.ProposedChangeMessage, error) {
	return r.primary().NextProposedChangeMessage(ctx, senderEmail)
}

// ArchiveProposedChangeMessage moves a processed message to the sender's
// archive folder.
func (r *ConnectionRouter) ArchiveProposedChangeMessage(ctx context.Context, msg *syftmsg.ProposedChangeMessage) error {
	return r.primary().ArchiveProposedChangeMessage(ctx, msg)
}

// --- accepted event log and outboxes ---

// WriteEventsMessageToLog appends an accepted-events message to the owner's
// log.
func (r *ConnectionRouter) WriteEventsMessageToLog(ctx context.Context, msg *syftmsg.AcceptedEventsMessage) (string, error) {
	return r.ConnectionForEventlog(false).WriteEventsMessageToLog(ctx, msg)
}

// WriteEventsMessageToOutbox writes an accepted-events message into a
// recipient's outbox.
func (r *ConnectionRouter) WriteEventsMessageToOutbox(ctx context.Context, recipient string, msg *syftmsg.AcceptedEventsMessage) error {
	return r.ConnectionForOutbox().WriteEventsMessageToOutbox(ctx, recipient, msg)
}

// AcceptedEventFileIDs lists the owner's log with early termination.
func (r *ConnectionRouter) AcceptedEventFileIDs(ctx context.Context, since *float64) ([]string, error) {
	return r.ConnectionForEventlog(false).AcceptedEventFileIDs(ctx, since)
}

// EventsMessagesSince downloads log messages newer than since.
func (r *ConnectionRouter) EventsMessagesSince(ctx context.Context, since float64) ([]*syftmsg.AcceptedEventsMessage, error) {
	return r.ConnectionForEventlog(false).EventsMessagesSince(ctx, since)
}

// OutboxFileMetas lists a peer's DS-facing outbox with early termination.
func (r *ConnectionRouter) OutboxFileMetas(ctx context.Context, peerEmail string, since *float64) ([]FileMeta, error) {
	return r.ConnectionForDatasiteWatcher().OutboxFileMetas(ctx, peerEmail, since)
}

// --- checkpoints ---

// UploadCheckpoint stores a full checkpoint.
func (r *ConnectionRouter) UploadCheckpoint(ctx context.Context, ckpt *syftmsg.Checkpoint) (string, error) {
	return r.ConnectionForOwnSyftbox().UploadCheckpoint(ctx, ckpt)
}

// LatestCheckpoint fetches the newest full checkpoint, or nil.
func (r *ConnectionRouter) LatestCheckpoint(ctx context.Context) (*syftmsg.Checkpoint, error) {
	return r.ConnectionForOwnSyftbox().LatestCheckpoint(ctx)
}

// UploadIncrementalCheckpoint stores an incremental checkpoint.
func (r *ConnectionRouter) UploadIncrementalCheckpoint(ctx context.Context, ckpt *syftmsg.IncrementalCheckpoint) (string, error) {
	return r.ConnectionForOwnSyftbox().UploadIncrementalCheckpoint(ctx, ckpt)
}

// IncrementalCheckpoints fetches all incremental checkpoints.
func (r *ConnectionRouter) IncrementalCheckpoints(ctx context.Context) ([]*syftmsg.IncrementalCheckpoint, error) {
	return r.ConnectionForOwnSyftbox().IncrementalCheckpoints(ctx)
}

// IncrementalCheckpointCount counts stored incremental checkpoints.
func (r *ConnectionRouter) IncrementalCheckpointCount(ctx context.Context) (int, error) {
	return r.ConnectionForOwnSyftbox().IncrementalCheckpointCount(ctx)
}

// NextIncrementalSequenceNumber returns previous max + 1.
func (r *ConnectionRouter) NextIncrementalSequenceNumber(ctx context.Context) (int, error) {
	return r.ConnectionForOwnSyftbox().NextIncrementalSequenceNumber(ctx)
}

// DeleteAllIncrementalCheckpoints removes every incremental checkpoint.
func (r *ConnectionRouter) DeleteAllIncrementalCheckpoints(ctx context.Context) error {
	return r.ConnectionForOwnSyftbox().DeleteAllIncrementalCheckpoints(ctx)
}

// --- rolling state ---

// UploadRollingState stores the rolling state, in place when possible.
func (r *ConnectionRouter) UploadRollingState(ctx context.Context, rs *syftmsg.RollingState) (string, error) {
	return r.ConnectionForOwnSyftbox().UploadRollingState(ctx, rs)
}

// RollingState fetches the latest rolling state, or nil.
func (r *ConnectionRouter) RollingState(ctx context.Context) (*syftmsg.RollingState, error) {
	return r.ConnectionForOwnSyftbox().RollingState(ctx)
}

// DeleteRollingState removes the rolling-state object.
func (r *ConnectionRouter) DeleteRollingState(ctx context.Context) error {
	return r.ConnectionForOwnSyftbox().DeleteRollingState(ctx)
}

// --- dataset collections ---

// CreateDatasetCollection ensures the collection folder exists.
func (r *ConnectionRouter) CreateDatasetCollection(ctx context.Context, tag, contentHash string) error {
	return r.primary().CreateDatasetCollection(ctx, tag, contentHash)
}

// ShareDatasetCollection grants users access to the collection.
func (r *ConnectionRouter) ShareDatasetCollection(ctx context.Context, tag, contentHash string, users []string) error {
	return r.primary().ShareDatasetCollection(ctx, tag, contentHash, users)
}

// TagDatasetCollectionAsAny grants anyone-with-link access.
func (r *ConnectionRouter) TagDatasetCollectionAsAny(ctx context.Context, tag, contentHash string) error {
	return r.primary().TagDatasetCollectionAsAny(ctx, tag, contentHash)
}

// UploadDatasetFiles stores files into the collection folder.
func (r *ConnectionRouter) UploadDatasetFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error {
	return r.primary().UploadDatasetFiles(ctx, tag, contentHash, files)
}

// DatasetCollectionsAsDO lists the owner's collections with permissions.
func (r *ConnectionRouter) DatasetCollectionsAsDO(ctx context.Context) ([]Collection, error) {
	return r.primary().DatasetCollectionsAsDO(ctx)
}

// DatasetCollectionsAsDS lists collections shared with the caller.
func (r *ConnectionRouter) DatasetCollectionsAsDS(ctx context.Context) ([]Collection, error) {
	return r.ConnectionForDatasiteWatcher().DatasetCollectionsAsDS(ctx)
}

// DatasetCollectionFileMetas lists a collection's files.
func (r *ConnectionRouter) DatasetCollectionFileMetas(ctx context.Context, tag, contentHash, ownerEmail string) ([]FileMeta, error) {
	return r.ConnectionForDatasiteWatcher().DatasetCollectionFileMetas(ctx, tag, contentHash, ownerEmail)
}

// DownloadDatasetFile fetches one dataset file by object id.
func (r *ConnectionRouter) DownloadDatasetFile(ctx context.Context, fileID string) ([]byte, error) {
	return r.ConnectionForDatasiteWatcher().DownloadDatasetFile(ctx, fileID)
}

// CreatePrivateCollection ensures the owner-only collection folder exists.
func (r *ConnectionRouter) CreatePrivateCollection(ctx context.Context, tag, contentHash string) error {
	return r.primary().CreatePrivateCollection(ctx, tag, contentHash)
}

// UploadPrivateCollectionFiles stores files into the private collection.
func (r *ConnectionRouter) UploadPrivateCollectionFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error {
	return r.primary().UploadPrivateCollectionFiles(ctx, tag, contentHash, files)
}

// PrivateCollectionsAsDO lists the owner's private collections.
func (r *ConnectionRouter) PrivateCollectionsAsDO(ctx context.Context) ([]Collection, error) {
	return r.primary().PrivateCollectionsAsDO(ctx)
}

// PrivateCollectionFileMetas lists a private collection's files.
func (r *ConnectionRouter) PrivateCollectionFileMetas(ctx context.Context, tag, contentHash string) ([]FileMeta, error) {
	return r.primary().PrivateCollectionFileMetas(ctx, tag, contentHash)
}

// --- version files ---

// WriteVersionFile stores the owner's version JSON.
func (r *ConnectionRouter) WriteVersionFile(ctx context.Context, data []byte) error {
	return r.ConnectionForOwnSyftbox().WriteVersionFile(ctx, data)
}

// ReadPeerVersionFile fetches a peer's version JSON, or nil.
func (r *ConnectionRouter) ReadPeerVersionFile(ctx context.Context, peerEmail string) ([]byte, error) {
	return r.ConnectionForDatasiteWatcher().ReadPeerVersionFile(ctx, peerEmail)
}

// ShareVersionFileWithPeer grants a peer read access to the version file.
func (r *ConnectionRouter) ShareVersionFileWithPeer(ctx context.Context, peerEmail string) error {
	return r.ConnectionForOwnSyftbox().ShareVersionFileWithPeer(ctx, peerEmail)
}

// --- maintenance ---

// GatherAllFileAndFolderIDs collects every object id owned by the caller.
func (r *ConnectionRouter) GatherAllFileAndFolderIDs(ctx context.Context) ([]string, error) {
	return r.ConnectionForOwnSyftbox().GatherAllFileAndFolderIDs(ctx)
}

// FindOrphanedMessageFiles sweeps for message objects by name pattern.
func (r *ConnectionRouter) FindOrphanedMessageFiles(ctx context.Context) ([]string, error) {
	return r.ConnectionForOwnSyftbox().FindOrphanedMessageFiles(ctx)
}

// DeleteFilesByID batch-deletes objects with the given tolerance.
func (r *ConnectionRouter) DeleteFilesByID(ctx context.Context, ids []string, opts DeleteOptions) error {
	return r.ConnectionForOwnSyftbox().DeleteFilesByID(ctx, ids, opts)
}

// ResetCaches drops cached ids on every connection.
func (r *ConnectionRouter) ResetCaches() {
	for _, conn := range r.connections {
		conn.ResetCaches()
	}
}

// Validate reports whether the router can serve calls.
func (r *ConnectionRouter) Validate() error {
	if len(r.connections) == 0 {
		return ErrNoConnections
	}
	return nil
}
