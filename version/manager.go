// manager.go implements the VersionManager: it writes the local version
// file, fetches peer version files in parallel over copied connections, and
// filters sync targets down to compatible peers.
package version

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/log"
)

var logger = log.Module("version")

// DefaultFetchWorkers bounds the parallel version-file fan-out.
const DefaultFetchWorkers = 10

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Router *backend.ConnectionRouter

	// IgnoreClientVersion / IgnoreProtocolVersion disable the respective
	// compatibility dimension.
	IgnoreClientVersion   bool
	IgnoreProtocolVersion bool

	// SuppressWarnings silences the peer-filter log lines.
	SuppressWarnings bool

	// FetchWorkers bounds the parallel fetch; defaults to
	// DefaultFetchWorkers.
	FetchWorkers int
}

// Manager caches the local and peer version records.
type Manager struct {
	router  *backend.ConnectionRouter
	checks  Checks
	quiet   bool
	workers int

	mu           sync.Mutex
	ownVersion   *Info
	peerVersions map[string]*Info
}

// NewManager creates a Manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	workers := cfg.FetchWorkers
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	return &Manager{
		router:       cfg.Router,
		checks:       Checks{Client: !cfg.IgnoreClientVersion, Protocol: !cfg.IgnoreProtocolVersion},
		quiet:        cfg.SuppressWarnings,
		workers:      workers,
		peerVersions: make(map[string]*Info),
	}
}

func (m *Manager) checksDisabled() bool {
	return !m.checks.Client && !m.checks.Protocol
}

// OwnVersion returns (and memoizes) the local version record.
func (m *Manager) OwnVersion() *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownVersion == nil {
		m.ownVersion = Current()
	}
	return m.ownVersion
}

// WriteOwnVersion publishes the local version file.
func (m *Manager) WriteOwnVersion(ctx context.Context) error {
	data, err := m.OwnVersion().ToJSON()
	if err != nil {
		return err
	}
	return m.router.WriteVersionFile(ctx, data)
}

// ShareVersionWithPeer grants a peer read access to the version file.
func (m *Manager) ShareVersionWithPeer(ctx context.Context, peerEmail string) error {
	return m.router.ShareVersionFileWithPeer(ctx, peerEmail)
}

// LoadPeerVersion fetches and caches one peer's version record. A peer
// without a version file caches nil.
func (m *Manager) LoadPeerVersion(ctx context.Context, peerEmail string) (*Info, error) {
	data, err := m.router.ReadPeerVersionFile(ctx, peerEmail)
	if err != nil {
		return nil, err
	}
	var info *Info
	if data != nil {
		info, err = FromJSON(data)
		if err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.peerVersions[peerEmail] = info
	m.mu.Unlock()
	return info, nil
}

// LoadPeerVersionsParallel fetches version records for all peers over
// copied connections.
func (m *Manager) LoadPeerVersionsParallel(ctx context.Context, peerEmails []string) {
	if len(peerEmails) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, peer := range peerEmails {
		peer := peer
		conn := m.router.ConnectionForVersionRead(true)
		g.Go(func() error {
			data, err := conn.ReadPeerVersionFile(gctx, peer)
			var info *Info
			if err == nil && data != nil {
				info, err = FromJSON(data)
			}
			if err != nil {
				if !m.quiet {
					logger.WithField("peer", peer).WithError(err).Warn("failed to load peer version")
				}
				info = nil
			}
			m.mu.Lock()
			m.peerVersions[peer] = info
			m.mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only joins the fan-out.
	_ = g.Wait()
}

// PeerVersion returns the cached record for a peer, or nil when unknown.
func (m *Manager) PeerVersion(peerEmail string) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerVersions[peerEmail]
}

// IsPeerCompatible reports whether the cached peer version matches the
// local one.
func (m *Manager) IsPeerCompatible(peerEmail string) bool {
	if m.checksDisabled() {
		return true
	}
	peer := m.PeerVersion(peerEmail)
	if peer == nil {
		return false
	}
	return m.OwnVersion().IsCompatibleWith(peer, m.checks)
}

// CompatiblePeerEmails filters peers to those with compatible cached
// versions, logging a warning per filtered peer.
func (m *Manager) CompatiblePeerEmails(peerEmails []string) []string {
	if m.checksDisabled() {
		return peerEmails
	}
	compatible := make([]string, 0, len(peerEmails))
	for _, peer := range peerEmails {
		if m.IsPeerCompatible(peer) {
			compatible = append(compatible, peer)
			continue
		}
		if m.quiet {
			continue
		}
		if peerVersion := m.PeerVersion(peer); peerVersion == nil {
			logger.WithField("peer", peer).Warn("skipping peer: version information not available")
		} else {
			logger.WithField("peer", peer).
				WithField("reason", m.OwnVersion().IncompatibilityReason(peerVersion, m.checks)).
				Warn("skipping peer: incompatible version")
		}
	}
	return compatible
}

// CheckForSubmission gates a job submission toward peerEmail. force skips
// the check entirely.
func (m *Manager) CheckForSubmission(ctx context.Context, peerEmail string, force bool) error {
	if force || m.checksDisabled() {
		return nil
	}
	if m.PeerVersion(peerEmail) == nil {
		if _, err := m.LoadPeerVersion(ctx, peerEmail); err != nil {
			return err
		}
	}
	peer := m.PeerVersion(peerEmail)
	if peer == nil {
		return &UnknownError{PeerEmail: peerEmail, Operation: "submit job"}
	}
	own := m.OwnVersion()
	if !own.IsCompatibleWith(peer, m.checks) {
		return &MismatchError{
			PeerEmail:    peerEmail,
			LocalVersion: own,
			PeerVersion:  peer,
			Reason:       own.IncompatibilityReason(peer, m.checks),
		}
	}
	return nil
}

// CheckForJobExecution gates running a job submitted by submitterEmail.
func (m *Manager) CheckForJobExecution(submitterEmail string) error {
	if m.checksDisabled() {
		return nil
	}
	peer := m.PeerVersion(submitterEmail)
	if peer == nil {
		return &UnknownError{PeerEmail: submitterEmail, Operation: "execute job"}
	}
	own := m.OwnVersion()
	if !own.IsCompatibleWith(peer, m.checks) {
		return &MismatchError{
			PeerEmail:    submitterEmail,
			LocalVersion: own,
			PeerVersion:  peer,
			Reason:       own.IncompatibilityReason(peer, m.checks),
		}
	}
	return nil
}

// WarnIfAllPeersIncompatible logs once when every connected peer is
// unusable, which on the DS side means submissions and dataset loads will
// fail until versions line up.
func (m *Manager) WarnIfAllPeersIncompatible(peerEmails []string) {
	if m.quiet || m.checksDisabled() || len(peerEmails) == 0 {
		return
	}
	for _, peer := range peerEmails {
		if m.IsPeerCompatible(peer) {
			return
		}
	}
	logger.WithField("peer_count", len(peerEmails)).
		Warn("all connected peers have incompatible versions")
}
