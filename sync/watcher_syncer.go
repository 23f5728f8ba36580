// watcher_syncer.go implements the data scientist's side of the protocol:
// queueing local file changes as proposed changes, batching the queue into
// one message per recipient (each object-store write is a full round trip),
// and pulling accepted events and datasets down from every peer outbox.
package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/cache"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/metrics"
	"github.com/openmined/syftsync/syftmsg"
)

var watcherLog = log.Module("sync")

// ErrBadRelativePath reports a change path that does not name a recipient
// datasite.
var ErrBadRelativePath = errors.New("sync: path must be <owner_email>/<path_in_datasite>")

// WatcherSyncerConfig configures a WatcherSyncer.
type WatcherSyncerConfig struct {
	Email  string
	Router *backend.ConnectionRouter
	Cache  *cache.WatcherCache

	// SyftboxDir is the local syftbox root changes are read from when
	// content is not passed inline. Empty restricts OnFileChange to
	// inline content.
	SyftboxDir string

	Metrics *metrics.Metrics
}

type queuedChange struct {
	relativePath string
	content      []byte
	hasContent   bool
}

// WatcherSyncer drives the scientist's sync loop.
type WatcherSyncer struct {
	email      string
	router     *backend.ConnectionRouter
	cache      *cache.WatcherCache
	syftboxDir string
	queue      []queuedChange
	metrics    *metrics.Metrics
}

// NewWatcherSyncer creates a WatcherSyncer from cfg.
func NewWatcherSyncer(cfg WatcherSyncerConfig) *WatcherSyncer {
	watcherCache := cfg.Cache
	if watcherCache == nil {
		watcherCache = cache.NewWatcherCache(cache.WatcherCacheConfig{
			Email:  cfg.Email,
			Router: cfg.Router,
		})
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &WatcherSyncer{
		email:      cfg.Email,
		router:     cfg.Router,
		cache:      watcherCache,
		syftboxDir: cfg.SyftboxDir,
		metrics:    m,
	}
}

// Cache exposes the watcher cache.
func (s *WatcherSyncer) Cache() *cache.WatcherCache { return s.cache }

// Router exposes the connection router.
func (s *WatcherSyncer) Router() *backend.ConnectionRouter { return s.router }

// QueueLen reports the number of buffered changes.
func (s *WatcherSyncer) QueueLen() int { return len(s.queue) }

// OnFileChange queues one changed file. relativePath is
// <owner_email>/<path_in_datasite> and decides the recipient. content may
// be nil, in which case the file is read from the local syftbox folder at
// processing time. processNow flushes the whole queue immediately.
func (s *WatcherSyncer) OnFileChange(ctx context.Context, relativePath string, content []byte, processNow bool) error {
	s.queue = append(s.queue, queuedChange{
		relativePath: filepath.ToSlash(relativePath),
		content:      content,
		hasContent:   content != nil,
	})
	if processNow {
		return s.ProcessQueue(ctx)
	}
	return nil
}

// ProcessQueue bundles the buffered changes into one ProposedChangeMessage
// per recipient and submits them. The queue is cleared even for changes
// that fail to build, so one bad entry cannot wedge the stream.
func (s *WatcherSyncer) ProcessQueue(ctx context.Context) error {
	pending := s.queue
	s.queue = nil

	byRecipient := make(map[string][]*syftmsg.ProposedChange)
	order := make([]string, 0)
	for _, change := range pending {
		pc, recipient, err := s.buildProposedChange(change)
		if err != nil {
			watcherLog.WithField("path", change.relativePath).WithError(err).Warn("dropping unqueueable change")
			continue
		}
		if _, seen := byRecipient[recipient]; !seen {
			order = append(order, recipient)
		}
		byRecipient[recipient] = append(byRecipient[recipient], pc)
	}

	for _, recipient := range order {
		msg := syftmsg.NewProposedChangeMessage(s.email, byRecipient[recipient])
		if err := s.router.SendProposedChangeMessage(ctx, recipient, msg); err != nil {
			return errors.Wrapf(err, "send proposed changes to %s", recipient)
		}
		s.metrics.MessagesSent.WithLabelValues(recipient).Inc()
	}
	return nil
}

// buildProposedChange turns a queued change into a ProposedChange and its
// recipient.
func (s *WatcherSyncer) buildProposedChange(change queuedChange) (*syftmsg.ProposedChange, string, error) {
	parts := strings.SplitN(change.relativePath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, "", errors.Wrap(ErrBadRelativePath, change.relativePath)
	}
	recipient, pathInDatasite := parts[0], parts[1]
	if err := syftmsg.ValidatePath(pathInDatasite); err != nil {
		return nil, "", err
	}

	content := change.content
	isDeleted := false
	if !change.hasContent {
		if s.syftboxDir == "" {
			return nil, "", errors.Errorf("sync: no content for %s and no syftbox folder configured", change.relativePath)
		}
		data, err := os.ReadFile(filepath.Join(s.syftboxDir, filepath.FromSlash(change.relativePath)))
		if os.IsNotExist(err) {
			isDeleted = true
		} else if err != nil {
			return nil, "", errors.Wrap(err, "read changed file")
		} else {
			content = data
		}
	}

	contentType := syftmsg.ContentTypeText
	if !isDeleted && !utf8.Valid(content) {
		contentType = syftmsg.ContentTypeBinary
	}
	oldHash := s.cache.CurrentHashForFile(change.relativePath)
	pc := syftmsg.NewProposedChange(recipient, pathInDatasite, content, contentType, oldHash, isDeleted)
	return pc, recipient, nil
}

// SyncDown mirrors every peer's outbox and shared datasets into the local
// view.
func (s *WatcherSyncer) SyncDown(ctx context.Context, peerEmails []string) error {
	for _, peerEmail := range peerEmails {
		if err := s.cache.SyncDownParallel(ctx, peerEmail); err != nil {
			return errors.Wrapf(err, "sync down from %s", peerEmail)
		}
		if err := s.cache.SyncDownDatasetsParallel(ctx, peerEmail); err != nil {
			return errors.Wrapf(err, "sync datasets from %s", peerEmail)
		}
		s.metrics.MessagesApplied.WithLabelValues(peerEmail).Inc()
	}
	s.metrics.SyncTicks.WithLabelValues("watcher").Inc()
	return nil
}

// PushJobFiles queues every file under jobDir and submits them as a single
// message. jobDir must live inside the local syftbox folder.
func (s *WatcherSyncer) PushJobFiles(ctx context.Context, jobDir string) error {
	if s.syftboxDir == "" {
		return errors.New("sync: no syftbox folder configured")
	}
	paths := make([]string, 0)
	err := filepath.Walk(jobDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.syftboxDir, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errors.Errorf("sync: job file %s outside syftbox folder", p)
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return err
	}
	for i, rel := range paths {
		// One message for the whole job: only the last file flushes.
		if err := s.OnFileChange(ctx, rel, nil, i == len(paths)-1); err != nil {
			return err
		}
	}
	return nil
}
