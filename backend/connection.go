// Package backend defines the contract every storage backend must satisfy to
// carry the sync protocol: folder layout, message transfer, checkpoint and
// rolling-state storage, dataset collections, peer and version files, and
// maintenance sweeps. The engine talks to a backend only through the
// Connection interface and the ConnectionRouter; concrete bindings live in
// subpackages (memstore) or outside the module.
package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/syftmsg"
)

// Well-known object names in a datasite owner's root folder.
const (
	PeersFileName   = "SYFT_peers.json"
	VersionFileName = "SYFT_version.json"

	// OutboxInboxFolderPrefix starts the per-(sender,recipient) transfer
	// folder: syft_outbox_inbox_<sender>_to_<recipient>.
	OutboxInboxFolderPrefix = "syft_outbox_inbox"

	// DatasetCollectionPrefix and PrivateCollectionPrefix start the dataset
	// folders: syft_datasetcollection_<tag>_<hash> and
	// syft_privatecollection_<tag>_<hash>.
	DatasetCollectionPrefix = "syft_datasetcollection"
	PrivateCollectionPrefix = "syft_privatecollection"

	// ShareWithAny is the sentinel user meaning anyone-with-link access.
	ShareWithAny = "any"
)

// Sentinel errors surfaced by backend implementations.
var (
	ErrNotFound         = errors.New("backend: object not found")
	ErrPermissionDenied = errors.New("backend: permission denied")
	ErrFolderNotFound   = errors.New("backend: folder not found")
)

// FileMeta describes one object returned by a listing.
type FileMeta struct {
	ID   string
	Name string
	Size int64
}

// Collection describes a dataset collection folder visible to the caller.
type Collection struct {
	Tag              string
	ContentHash      string
	OwnerEmail       string
	HasAnyPermission bool
}

// DeleteOptions tunes the error tolerance of batch deletes. Not-found and
// permission-denied are both routine after archive moves under eventual
// consistency, so they default to ignored at the call sites that sweep.
type DeleteOptions struct {
	IgnorePermissionErrors bool
	IgnoreNotFound         bool
}

// OutboxInboxFolderName renders the transfer folder for a (sender,
// recipient) pair. The sender's outbox is the recipient's inbox.
func OutboxInboxFolderName(sender, recipient string) string {
	return OutboxInboxFolderPrefix + "_" + sender + "_to_" + recipient
}

// ArchiveFolderName renders the per-sender archive folder on the recipient
// side: syft_<sender>_to_<recipient>_archive.
func ArchiveFolderName(sender, recipient string) string {
	return "syft_" + sender + "_to_" + recipient + "_archive"
}

// CheckpointsFolderName renders the owner's checkpoints folder.
func CheckpointsFolderName(ownerEmail string) string {
	return ownerEmail + "-checkpoints"
}

// RollingStateFolderName renders the owner's rolling-state folder.
func RollingStateFolderName(ownerEmail string) string {
	return ownerEmail + "-rolling-state"
}

// CollectionFolderName renders a dataset collection folder name for the
// given prefix (DatasetCollectionPrefix or PrivateCollectionPrefix).
func CollectionFolderName(prefix, tag, contentHash string) string {
	return prefix + "_" + tag + "_" + contentHash
}

// Connection is the full backend contract. Implementations are not safe for
// concurrent use; callers that fan out must obtain a sibling via Copy for
// each worker.
type Connection interface {
	// OwnerEmail identifies the participant this connection acts as.
	OwnerEmail() string

	// Copy returns a sibling connection with an independent client, safe to
	// hand to another goroutine.
	Copy() Connection

	// ResetCaches drops any cached folder or object ids.
	ResetCaches()

	// --- peer lifecycle ---

	// AddPeerAsDS creates the two transfer folders addressed DS->DO and
	// DO->DS, grants the counterpart write access, and records the pending
	// request.
	AddPeerAsDS(ctx context.Context, peerEmail string) error

	// PeersAsDS lists every peer the caller has a relationship with,
	// regardless of state.
	PeersAsDS(ctx context.Context) ([]string, error)

	// ApprovedPeersAsDO lists peers recorded as accepted.
	ApprovedPeersAsDO(ctx context.Context) ([]string, error)

	// PeerRequestsAsDO discovers pending requests: transfer folders whose
	// sender is not the owner and is not yet accepted or rejected in the
	// peer-state file.
	PeerRequestsAsDO(ctx context.Context) ([]string, error)

	// UpdatePeerState writes the peer's state into the peer-state file.
	UpdatePeerState(ctx context.Context, peerEmail, state string) error

	// --- proposed change transfer ---

	SendProposedChangeMessage(ctx context.Context, recipient string, msg *syftmsg.ProposedChangeMessage) error

	// NextProposedChangeMessage returns the oldest pending message from the
	// sender's inbox, or nil when the inbox is drained.
	NextProposedChangeMessage(ctx context.Context, senderEmail string) (*syftmsg.ProposedChangeMessage, error)

	// ArchiveProposedChangeMessage moves a processed message into the
	// sender's archive folder in one atomic reparent (add destination
	// parent, remove source parent), never copy-then-delete.
	ArchiveProposedChangeMessage(ctx context.Context, msg *syftmsg.ProposedChangeMessage) error

	// --- accepted event log and outboxes ---

	WriteEventsMessageToLog(ctx context.Context, msg *syftmsg.AcceptedEventsMessage) (string, error)
	WriteEventsMessageToOutbox(ctx context.Context, recipient string, msg *syftmsg.AcceptedEventsMessage) error

	// AcceptedEventFileIDs lists the owner's log, newest first, stopping
	// early once names at or before since are reached. since is nil for a
	// full listing.
	AcceptedEventFileIDs(ctx context.Context, since *float64) ([]string, error)

	DownloadEventsMessage(ctx context.Context, fileID string) (*syftmsg.AcceptedEventsMessage, error)

	// EventsMessagesSince downloads every log message strictly newer than
	// since.
	EventsMessagesSince(ctx context.Context, since float64) ([]*syftmsg.AcceptedEventsMessage, error)

	// OutboxFileMetas lists the DS-facing outbox of peerEmail for message
	// objects strictly newer than since, using early-terminated listing.
	OutboxFileMetas(ctx context.Context, peerEmail string, since *float64) ([]FileMeta, error)

	DownloadEventsMessageFromOutbox(ctx context.Context, fileID string) (*syftmsg.AcceptedEventsMessage, error)

	// --- checkpoints ---

	UploadCheckpoint(ctx context.Context, ckpt *syftmsg.Checkpoint) (string, error)

	// LatestCheckpoint returns the newest full checkpoint, or nil when none
	// exists.
	LatestCheckpoint(ctx context.Context) (*syftmsg.Checkpoint, error)

	UploadIncrementalCheckpoint(ctx context.Context, ckpt *syftmsg.IncrementalCheckpoint) (string, error)
	IncrementalCheckpoints(ctx context.Context) ([]*syftmsg.IncrementalCheckpoint, error)
	IncrementalCheckpointCount(ctx context.Context) (int, error)
	NextIncrementalSequenceNumber(ctx context.Context) (int, error)
	DeleteAllIncrementalCheckpoints(ctx context.Context) error

	// --- rolling state ---

	// UploadRollingState overwrites the rolling-state object in place when
	// the prior object id is cached (one API call), falling back to create.
	UploadRollingState(ctx context.Context, rs *syftmsg.RollingState) (string, error)

	// RollingState returns the latest rolling state, or nil when none
	// exists.
	RollingState(ctx context.Context) (*syftmsg.RollingState, error)

	DeleteRollingState(ctx context.Context) error

	// --- dataset collections ---

	CreateDatasetCollection(ctx context.Context, tag, contentHash string) error
	ShareDatasetCollection(ctx context.Context, tag, contentHash string, users []string) error

	// TagDatasetCollectionAsAny grants anyone-with-link access.
	TagDatasetCollectionAsAny(ctx context.Context, tag, contentHash string) error

	UploadDatasetFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error
	DatasetCollectionsAsDO(ctx context.Context) ([]Collection, error)
	DatasetCollectionsAsDS(ctx context.Context) ([]Collection, error)
	DatasetCollectionFileMetas(ctx context.Context, tag, contentHash, ownerEmail string) ([]FileMeta, error)
	DownloadDatasetFile(ctx context.Context, fileID string) ([]byte, error)

	// --- private collections (owner-only cold restore) ---

	CreatePrivateCollection(ctx context.Context, tag, contentHash string) error
	UploadPrivateCollectionFiles(ctx context.Context, tag, contentHash string, files map[string][]byte) error
	PrivateCollectionsAsDO(ctx context.Context) ([]Collection, error)
	PrivateCollectionFileMetas(ctx context.Context, tag, contentHash string) ([]FileMeta, error)

	// --- version files ---

	// WriteVersionFile stores the owner's version JSON as
	// SYFT_version.json.
	WriteVersionFile(ctx context.Context, data []byte) error

	// ReadPeerVersionFile returns the peer's version JSON, or nil when the
	// peer publishes none.
	ReadPeerVersionFile(ctx context.Context, peerEmail string) ([]byte, error)

	ShareVersionFileWithPeer(ctx context.Context, peerEmail string) error

	// --- maintenance ---

	GatherAllFileAndFolderIDs(ctx context.Context) ([]string, error)

	// FindOrphanedMessageFiles sweeps for caller-owned objects whose names
	// match a known message prefix, regardless of parent folder. Eventual
	// consistency can orphan objects when their parent folder is deleted
	// first.
	FindOrphanedMessageFiles(ctx context.Context) ([]string, error)

	DeleteFilesByID(ctx context.Context, ids []string, opts DeleteOptions) error
}
