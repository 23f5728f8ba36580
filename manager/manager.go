// Package manager composes the sync engine into the role-aware facade a
// client embeds: a data owner runs the owner sync loop, a data scientist
// runs the watcher loop, and both share the router, version negotiation,
// peer lifecycle, dataset handling, and the event bus.
package manager

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/dataset"
	"github.com/openmined/syftsync/job"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/metrics"
	"github.com/openmined/syftsync/peer"
	syncengine "github.com/openmined/syftsync/sync"
	"github.com/openmined/syftsync/syftmsg"
	"github.com/openmined/syftsync/version"
)

var logger = log.Module("manager")

// Role selects which sync loop a manager drives.
type Role string

const (
	// RoleOwner runs the datasite owner loop.
	RoleOwner Role = "owner"
	// RoleScientist runs the watcher loop.
	RoleScientist Role = "scientist"
)

// Manager errors.
var (
	ErrNotOwner     = errors.New("manager: operation requires the owner role")
	ErrNotScientist = errors.New("manager: operation requires the scientist role")
	ErrNoJobClient  = errors.New("manager: no job client configured")
)

// Config configures a Manager.
type Config struct {
	Email  string
	Role   Role
	Router *backend.ConnectionRouter

	// SyftboxDir is the local syftbox root; empty keeps everything in
	// memory.
	SyftboxDir string

	// SyncBeforeRead syncs before the Peers read accessor returns, so the
	// listing observes fresh state. Peers is the only accessor it gates.
	SyncBeforeRead bool

	// IgnoreVersionChecks disables compatibility filtering.
	IgnoreVersionChecks bool

	// Jobs and Datasets are the external collaborators; either may be
	// nil.
	Jobs     job.Client
	Datasets dataset.Manager

	Metrics *metrics.Metrics

	// OwnerTune adjusts the owner syncer configuration before
	// construction (thresholds, write-files).
	OwnerTune func(*syncengine.OwnerSyncerConfig)
}

// Manager is the role-aware facade over the sync engine.
type Manager struct {
	email          string
	role           Role
	router         *backend.ConnectionRouter
	syftboxDir     string
	syncBeforeRead bool

	owner   *syncengine.OwnerSyncer
	watcher *syncengine.WatcherSyncer

	versions *version.Manager
	events   *EventBus
	jobs     job.Client
	datasets dataset.Manager
	metrics  *metrics.Metrics
}

// New creates a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Router.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		email:          cfg.Email,
		role:           cfg.Role,
		router:         cfg.Router,
		syftboxDir:     cfg.SyftboxDir,
		syncBeforeRead: cfg.SyncBeforeRead,
		events:         NewEventBus(64),
		jobs:           cfg.Jobs,
		datasets:       cfg.Datasets,
		metrics:        cfg.Metrics,
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	m.versions = version.NewManager(version.ManagerConfig{
		Router:                cfg.Router,
		IgnoreClientVersion:   cfg.IgnoreVersionChecks,
		IgnoreProtocolVersion: cfg.IgnoreVersionChecks,
	})

	switch cfg.Role {
	case RoleOwner:
		ownerCfg := syncengine.DefaultOwnerSyncerConfig(cfg.Email, cfg.Router)
		ownerCfg.SyftboxDir = cfg.SyftboxDir
		ownerCfg.Metrics = m.metrics
		if cfg.OwnerTune != nil {
			cfg.OwnerTune(&ownerCfg)
		}
		m.owner = syncengine.NewOwnerSyncer(ownerCfg)
		m.owner.SetAcceptSink(func(msg *syftmsg.AcceptedEventsMessage) {
			m.events.Publish(EventAccept, msg)
		})
		m.owner.Cache().SetEventSink(func(path string, content []byte) {
			m.events.Publish(EventLocalWrite, path)
		})
	case RoleScientist:
		m.watcher = syncengine.NewWatcherSyncer(syncengine.WatcherSyncerConfig{
			Email:      cfg.Email,
			Router:     cfg.Router,
			SyftboxDir: cfg.SyftboxDir,
			Metrics:    m.metrics,
		})
	default:
		return nil, errors.Errorf("manager: unknown role %q", cfg.Role)
	}
	return m, nil
}

// Email returns the local participant's email.
func (m *Manager) Email() string { return m.email }

// IsDO reports whether this manager runs the owner loop.
func (m *Manager) IsDO() bool { return m.owner != nil }

// Events exposes the event bus.
func (m *Manager) Events() *EventBus { return m.events }

// Versions exposes the version manager.
func (m *Manager) Versions() *version.Manager { return m.versions }

// Owner exposes the owner syncer; nil for scientists.
func (m *Manager) Owner() *syncengine.OwnerSyncer { return m.owner }

// Watcher exposes the watcher syncer; nil for owners.
func (m *Manager) Watcher() *syncengine.WatcherSyncer { return m.watcher }

// Start publishes the local version file. Owners also share nothing yet;
// sharing happens per peer on approval.
func (m *Manager) Start(ctx context.Context) error {
	return m.versions.WriteOwnVersion(ctx)
}

// Sync runs one tick of the local role's loop.
func (m *Manager) Sync(ctx context.Context) error {
	if m.IsDO() {
		approved, err := m.router.ApprovedPeersAsDO(ctx)
		if err != nil {
			return errors.Wrap(err, "load approved peers")
		}
		m.versions.LoadPeerVersionsParallel(ctx, approved)
		compatible := m.versions.CompatiblePeerEmails(approved)
		if err := m.owner.Sync(ctx, compatible); err != nil {
			return err
		}
	} else {
		peers, err := m.router.PeersAsDS(ctx)
		if err != nil {
			return errors.Wrap(err, "load peers")
		}
		m.versions.LoadPeerVersionsParallel(ctx, peers)
		m.versions.WarnIfAllPeersIncompatible(peers)
		if err := m.watcher.SyncDown(ctx, peers); err != nil {
			return err
		}
	}
	m.events.Publish(EventSyncCompleted, m.email)
	return nil
}

// Peers returns the peer list: approved peers first, then requests. With
// SyncBeforeRead set, a sync runs first so the listing observes fresh
// state.
func (m *Manager) Peers(ctx context.Context) (peer.List, error) {
	if m.syncBeforeRead {
		if err := m.Sync(ctx); err != nil {
			return nil, err
		}
	}
	peers := make([]*peer.Peer, 0)
	if m.IsDO() {
		approved, err := m.router.ApprovedPeersAsDO(ctx)
		if err != nil {
			return nil, err
		}
		for _, email := range approved {
			peers = append(peers, &peer.Peer{Email: email, State: peer.StateAccepted, Version: m.versions.PeerVersion(email)})
		}
		pending, err := m.router.PeerRequestsAsDO(ctx)
		if err != nil {
			return nil, err
		}
		for _, email := range pending {
			peers = append(peers, &peer.Peer{Email: email, State: peer.StatePending})
		}
	} else {
		emails, err := m.router.PeersAsDS(ctx)
		if err != nil {
			return nil, err
		}
		for _, email := range emails {
			peers = append(peers, &peer.Peer{Email: email, State: peer.StateOutstanding, Version: m.versions.PeerVersion(email)})
		}
	}
	return peer.NewList(peers), nil
}

// AddPeer sends a peer request toward a datasite owner: create the two
// transfer folders, grant the owner access, and publish the local version
// file so the owner can check compatibility.
func (m *Manager) AddPeer(ctx context.Context, ownerEmail string) error {
	if err := m.router.AddPeerAsDS(ctx, ownerEmail); err != nil {
		return errors.Wrapf(err, "add peer %s", ownerEmail)
	}
	if err := m.versions.WriteOwnVersion(ctx); err != nil {
		return err
	}
	if err := m.versions.ShareVersionWithPeer(ctx, ownerEmail); err != nil {
		return err
	}
	m.events.Publish(EventPeerRequest, ownerEmail)
	return nil
}

// CheckPeerRequestExists reports whether a pending request from email is
// visible.
func (m *Manager) CheckPeerRequestExists(ctx context.Context, email string) (bool, error) {
	pending, err := m.router.PeerRequestsAsDO(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p == email {
			return true, nil
		}
	}
	return false, nil
}

// ApprovePeerRequest accepts a pending peer. Link-shared datasets are
// re-shared explicitly with the new peer (anyone-with-link objects are not
// discoverable by search) and the version file is shared so the peer can
// verify compatibility.
func (m *Manager) ApprovePeerRequest(ctx context.Context, dsEmail string) error {
	if !m.IsDO() {
		return ErrNotOwner
	}
	if err := m.router.UpdatePeerState(ctx, dsEmail, string(peer.StateAccepted)); err != nil {
		return errors.Wrapf(err, "approve peer %s", dsEmail)
	}

	for _, collection := range m.owner.AnySharedDatasets() {
		err := m.router.ShareDatasetCollection(ctx, collection.Tag, collection.ContentHash, []string{dsEmail})
		if err != nil {
			// Already-shared and similar failures are harmless here.
			logger.WithField("tag", collection.Tag).WithError(err).Debug("sharing link-shared dataset with new peer failed")
		}
	}

	if err := m.versions.WriteOwnVersion(ctx); err != nil {
		return err
	}
	if err := m.versions.ShareVersionWithPeer(ctx, dsEmail); err != nil {
		return err
	}
	m.events.Publish(EventPeerApproved, dsEmail)
	return nil
}

// RejectPeerRequest refuses a pending peer; its messages are ignored on
// subsequent ticks.
func (m *Manager) RejectPeerRequest(ctx context.Context, dsEmail string) error {
	if !m.IsDO() {
		return ErrNotOwner
	}
	if err := m.router.UpdatePeerState(ctx, dsEmail, string(peer.StateRejected)); err != nil {
		return errors.Wrapf(err, "reject peer %s", dsEmail)
	}
	m.events.Publish(EventPeerRejected, dsEmail)
	return nil
}

// SendFileChange proposes one file change toward a datasite owner.
// relativePath is <owner_email>/<path_in_datasite>.
func (m *Manager) SendFileChange(ctx context.Context, relativePath string, content []byte) error {
	if m.watcher == nil {
		return ErrNotScientist
	}
	m.events.Publish(EventFileChange, relativePath)
	return m.watcher.OnFileChange(ctx, relativePath, content, true)
}

// SubmitBashJob submits a bash job to user after the version gate, then
// pushes the job files as one proposed-change message.
func (m *Manager) SubmitBashJob(ctx context.Context, user, name, script string, force bool) error {
	return m.submitJob(ctx, user, force, func() (string, error) {
		return m.jobs.SubmitBashJob(user, name, script)
	})
}

// SubmitPythonJob submits a python job to user after the version gate,
// then pushes the job files as one proposed-change message.
func (m *Manager) SubmitPythonJob(ctx context.Context, user, name, code string, force bool) error {
	return m.submitJob(ctx, user, force, func() (string, error) {
		return m.jobs.SubmitPythonJob(user, name, code)
	})
}

func (m *Manager) submitJob(ctx context.Context, user string, force bool, submit func() (string, error)) error {
	if m.watcher == nil {
		return ErrNotScientist
	}
	if m.jobs == nil {
		return ErrNoJobClient
	}
	if err := m.versions.CheckForSubmission(ctx, user, force); err != nil {
		return err
	}
	jobDir, err := submit()
	if err != nil {
		return errors.Wrap(err, "submit job")
	}
	return m.watcher.PushJobFiles(ctx, jobDir)
}

// CreateDataset uploads a local dataset as a collection and shares it.
// users may include backend.ShareWithAny.
func (m *Manager) CreateDataset(ctx context.Context, d dataset.Dataset, users []string) error {
	files, err := dataset.Files(d)
	if err != nil {
		return err
	}
	contentHash := dataset.ContentHash(files)

	if d.Visibility == dataset.VisibilityPrivate {
		if err := m.router.CreatePrivateCollection(ctx, d.Tag, contentHash); err != nil {
			return err
		}
		return m.router.UploadPrivateCollectionFiles(ctx, d.Tag, contentHash, files)
	}

	if err := m.router.CreateDatasetCollection(ctx, d.Tag, contentHash); err != nil {
		return err
	}
	if err := m.router.UploadDatasetFiles(ctx, d.Tag, contentHash, files); err != nil {
		return err
	}
	return m.shareDataset(ctx, d.Tag, contentHash, users)
}

// ShareDataset grants users access to an already-uploaded collection.
func (m *Manager) ShareDataset(ctx context.Context, tag, contentHash string, users []string) error {
	return m.shareDataset(ctx, tag, contentHash, users)
}

func (m *Manager) shareDataset(ctx context.Context, tag, contentHash string, users []string) error {
	explicit := make([]string, 0, len(users))
	for _, user := range users {
		if user == backend.ShareWithAny {
			if err := m.router.TagDatasetCollectionAsAny(ctx, tag, contentHash); err != nil {
				return err
			}
			continue
		}
		explicit = append(explicit, user)
	}
	if len(explicit) == 0 {
		return nil
	}
	return m.router.ShareDatasetCollection(ctx, tag, contentHash, explicit)
}

// ClearCaches drops the local cache state of whichever loop is running.
func (m *Manager) ClearCaches() error {
	if m.owner != nil {
		return m.owner.Cache().Clear()
	}
	return m.watcher.Cache().Clear()
}

// DeleteSyftbox removes every owned object from the backend, sweeps for
// name-pattern orphans left behind by eventual consistency, and resets the
// connection caches.
func (m *Manager) DeleteSyftbox(ctx context.Context) error {
	ids, err := m.router.GatherAllFileAndFolderIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "gather file ids")
	}
	opts := backend.DeleteOptions{IgnoreNotFound: true, IgnorePermissionErrors: true}
	if err := m.router.DeleteFilesByID(ctx, ids, opts); err != nil {
		return errors.Wrap(err, "delete files")
	}
	logger.WithField("count", len(ids)).Info("deleted syftbox objects")

	orphans, err := m.router.FindOrphanedMessageFiles(ctx)
	if err != nil {
		return errors.Wrap(err, "find orphans")
	}
	if len(orphans) > 0 {
		if err := m.router.DeleteFilesByID(ctx, orphans, opts); err != nil {
			return errors.Wrap(err, "delete orphans")
		}
		logger.WithField("count", len(orphans)).Info("reclaimed orphaned objects")
	}

	m.router.ResetCaches()
	return nil
}
