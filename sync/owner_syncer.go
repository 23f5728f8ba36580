// owner_syncer.go implements the data owner's side of the protocol: pulling
// initial state from checkpoints and rolling state, turning local edits
// into accepted events, draining each approved peer's proposed-change
// inbox through the hash and permission gates, and fanning accepted events
// out to the log and per-recipient outboxes.
package sync

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/cache"
	"github.com/openmined/syftsync/hashutil"
	"github.com/openmined/syftsync/job"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/metrics"
	"github.com/openmined/syftsync/syftmsg"
)

var ownerLog = log.Module("sync")

// Engine defaults.
const (
	// DefaultRollingUploadThreshold uploads rolling state after every
	// accepted event. Correctness-first; raise it to trade durability lag
	// for fewer API calls.
	DefaultRollingUploadThreshold = 1

	// DefaultCheckpointThreshold converts rolling state into an
	// incremental checkpoint once it buffers this many distinct paths.
	DefaultCheckpointThreshold = 50

	// DefaultCompactingThreshold folds incrementals into a full
	// checkpoint once this many exist.
	DefaultCompactingThreshold = 4

	// DefaultWorkers bounds parallel download fan-outs.
	DefaultWorkers = 10
)

// AcceptSink observes every accepted-events message the owner produces.
type AcceptSink func(msg *syftmsg.AcceptedEventsMessage)

// OwnerSyncerConfig configures an OwnerSyncer.
type OwnerSyncerConfig struct {
	Email  string
	Router *backend.ConnectionRouter
	Cache  *cache.EventCache

	// SyftboxDir is the local syftbox root. Empty disables job-submitter
	// resolution and dataset materialization (in-memory operation).
	SyftboxDir string

	// WriteFiles materializes restored state on disk.
	WriteFiles bool

	// RecomputeHashes rescans the local datasite at the start of every
	// sync.
	RecomputeHashes bool

	RollingUploadThreshold int
	CheckpointThreshold    int
	CompactingThreshold    int
	Workers                int

	Metrics *metrics.Metrics
}

// DefaultOwnerSyncerConfig returns the standard owner configuration.
func DefaultOwnerSyncerConfig(email string, router *backend.ConnectionRouter) OwnerSyncerConfig {
	return OwnerSyncerConfig{
		Email:                  email,
		Router:                 router,
		WriteFiles:             true,
		RecomputeHashes:        true,
		RollingUploadThreshold: DefaultRollingUploadThreshold,
		CheckpointThreshold:    DefaultCheckpointThreshold,
		CompactingThreshold:    DefaultCompactingThreshold,
		Workers:                DefaultWorkers,
	}
}

type outboxEntry struct {
	recipient string
	msg       *syftmsg.AcceptedEventsMessage
}

// OwnerSyncer drives the owner's sync loop. All methods run on the owner's
// single sync goroutine; the rolling state and queues are owned
// exclusively by it.
type OwnerSyncer struct {
	email           string
	router          *backend.ConnectionRouter
	cache           *cache.EventCache
	syftboxDir      string
	writeFiles      bool
	recomputeHashes bool

	rollingUploadThreshold int
	checkpointThreshold    int
	compactingThreshold    int
	workers                int

	initialSyncDone bool

	rolling                  *syftmsg.RollingState
	eventsSinceRollingUpload int

	logQueue    []*syftmsg.AcceptedEventsMessage
	outboxQueue []outboxEntry

	// anySharedDatasets caches (tag, hash) of collections shared with
	// anyone-with-link; peer approval re-shares these explicitly because
	// link-shared objects are not discoverable by search.
	anySharedDatasets []backend.Collection

	submitters *job.SubmitterResolver
	metrics    *metrics.Metrics
	retry      backend.RetryConfig
	onAccept   AcceptSink
}

// NewOwnerSyncer creates an OwnerSyncer from cfg.
func NewOwnerSyncer(cfg OwnerSyncerConfig) *OwnerSyncer {
	eventCache := cfg.Cache
	if eventCache == nil {
		eventCache = cache.NewEventCache(cache.EventCacheConfig{Email: cfg.Email})
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	s := &OwnerSyncer{
		email:                  cfg.Email,
		router:                 cfg.Router,
		cache:                  eventCache,
		syftboxDir:             cfg.SyftboxDir,
		writeFiles:             cfg.WriteFiles,
		recomputeHashes:        cfg.RecomputeHashes,
		rollingUploadThreshold: cfg.RollingUploadThreshold,
		checkpointThreshold:    cfg.CheckpointThreshold,
		compactingThreshold:    cfg.CompactingThreshold,
		workers:                cfg.Workers,
		metrics:                m,
		retry:                  backend.DefaultRetryConfig(),
	}
	if s.rollingUploadThreshold <= 0 {
		s.rollingUploadThreshold = DefaultRollingUploadThreshold
	}
	if s.checkpointThreshold <= 0 {
		s.checkpointThreshold = DefaultCheckpointThreshold
	}
	if s.compactingThreshold <= 0 {
		s.compactingThreshold = DefaultCompactingThreshold
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if cfg.SyftboxDir != "" {
		s.submitters = job.NewSubmitterResolver(filepath.Join(cfg.SyftboxDir, cfg.Email))
	}
	return s
}

// Cache exposes the owner's event cache.
func (s *OwnerSyncer) Cache() *cache.EventCache { return s.cache }

// Router exposes the connection router.
func (s *OwnerSyncer) Router() *backend.ConnectionRouter { return s.router }

// SetAcceptSink installs the acceptance observer.
func (s *OwnerSyncer) SetAcceptSink(sink AcceptSink) { s.onAccept = sink }

// AnySharedDatasets returns the cached link-shared collections.
func (s *OwnerSyncer) AnySharedDatasets() []backend.Collection {
	out := make([]backend.Collection, len(s.anySharedDatasets))
	copy(out, s.anySharedDatasets)
	return out
}

// InitialSyncDone reports whether initial state was pulled.
func (s *OwnerSyncer) InitialSyncDone() bool { return s.initialSyncDone }

// Sync runs one owner tick against the given approved peers: initial state
// if needed, local rescan, inbox drain per peer, queue flush, and the
// checkpoint thresholds.
func (s *OwnerSyncer) Sync(ctx context.Context, approvedPeerEmails []string) error {
	if !s.initialSyncDone {
		if err := s.PullInitialState(ctx); err != nil {
			return err
		}
	}

	if s.recomputeHashes {
		if err := s.ProcessLocalChanges(ctx, approvedPeerEmails); err != nil {
			return err
		}
	}

	for _, peerEmail := range approvedPeerEmails {
		for {
			msg, err := s.pullAndProcessNextProposedMessage(ctx, peerEmail)
			if err != nil {
				return err
			}
			if msg == nil {
				break
			}
			if s.ShouldCreateCheckpoint() {
				if _, err := s.CreateIncrementalCheckpoint(ctx); err != nil {
					return err
				}
			}
		}
		if err := s.flushQueues(ctx); err != nil {
			return err
		}
	}

	if err := s.flushQueues(ctx); err != nil {
		return err
	}

	if s.ShouldCreateCheckpoint() {
		if _, err := s.CreateIncrementalCheckpoint(ctx); err != nil {
			return err
		}
	}
	shouldCompact, err := s.ShouldCompactCheckpoints(ctx)
	if err != nil {
		return err
	}
	if shouldCompact {
		if _, err := s.CompactCheckpoints(ctx); err != nil {
			return err
		}
	}

	s.metrics.SyncTicks.WithLabelValues("owner").Inc()
	return nil
}

// PullInitialState restores the cache from the backend: full checkpoint,
// incrementals in sequence order, rolling state, then any accepted-event
// messages newer than all of them. With no checkpoint layers at all it
// falls back to downloading the full event history in parallel.
func (s *OwnerSyncer) PullInitialState(ctx context.Context) error {
	var since *float64

	ckpt, err := s.router.LatestCheckpoint(ctx)
	if err != nil {
		return errors.Wrap(err, "load full checkpoint")
	}
	if ckpt != nil {
		ownerLog.WithField("files", len(ckpt.Files)).Info("restoring full checkpoint")
		if err := s.cache.ApplyCheckpoint(ckpt, s.writeFiles); err != nil {
			return err
		}
		since = ckpt.LastEventTimestamp
	}

	incrementals, err := s.router.IncrementalCheckpoints(ctx)
	if err != nil {
		return errors.Wrap(err, "load incremental checkpoints")
	}
	for _, inc := range incrementals {
		if err := s.cache.ApplyEvents(inc.Events, s.writeFiles); err != nil {
			return err
		}
		for _, event := range inc.Events {
			if event.Timestamp != 0 && (since == nil || event.Timestamp > *since) {
				ts := event.Timestamp
				since = &ts
			}
		}
	}
	if len(incrementals) > 0 {
		ownerLog.WithField("count", len(incrementals)).Info("applied incremental checkpoints")
	}

	rolling, err := s.router.RollingState(ctx)
	if err != nil {
		return errors.Wrap(err, "load rolling state")
	}
	if rolling != nil && rolling.EventCount() > 0 {
		ownerLog.WithField("events", rolling.EventCount()).Info("applying rolling state")
		if err := s.cache.ApplyEvents(rolling.Events, s.writeFiles); err != nil {
			return err
		}
		s.rolling = rolling
		if rolling.LastEventTimestamp != nil && (since == nil || *rolling.LastEventTimestamp > *since) {
			since = rolling.LastEventTimestamp
		}
	} else {
		base := 0.0
		if since != nil {
			base = *since
		}
		s.rolling = syftmsg.NewRollingState(s.email, base)
	}

	switch {
	case since != nil:
		messages, err := s.router.EventsMessagesSince(ctx, *since)
		if err != nil {
			return errors.Wrap(err, "load events since checkpoint")
		}
		for _, msg := range messages {
			if err := s.cache.AddEventsMessageToLocalCache(msg); err != nil {
				return err
			}
			if err := s.addEventsToRollingState(ctx, msg); err != nil {
				return err
			}
		}
	case ckpt == nil && len(incrementals) == 0:
		if err := s.pullFullEventHistory(ctx); err != nil {
			return err
		}
	}

	if err := s.pullDatasetsForInitialSync(ctx); err != nil {
		return err
	}
	if err := s.pullPrivateDatasetsForInitialSync(ctx); err != nil {
		return err
	}

	s.initialSyncDone = true
	return nil
}

// pullFullEventHistory downloads every accepted-event message in parallel
// over copied connections and applies them in order.
func (s *OwnerSyncer) pullFullEventHistory(ctx context.Context) error {
	var since *float64
	if ts := s.cache.LatestCachedTimestamp(); ts > 0 {
		since = &ts
	}
	ids, err := s.router.AcceptedEventFileIDs(ctx, since)
	if err != nil {
		return errors.Wrap(err, "list event log")
	}
	if len(ids) == 0 {
		return nil
	}
	ownerLog.WithField("count", len(ids)).Info("downloading full event history")

	messages := make([]*syftmsg.AcceptedEventsMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range ids {
		i, id := i, id
		conn := s.router.ConnectionForEventlog(true)
		g.Go(func() error {
			msg, err := conn.DownloadEventsMessage(gctx, id)
			if err != nil {
				ownerLog.WithField("file_id", id).WithError(err).Warn("skipping undownloadable event message")
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
	sortAcceptedMessagesAscending(valid)
	for _, msg := range valid {
		if err := s.cache.AddEventsMessageToLocalCache(msg); err != nil {
			return err
		}
	}
	return nil
}

// ProcessLocalChanges turns local datasite edits into accepted events and
// routes them through the permission gate to the approved recipients.
func (s *OwnerSyncer) ProcessLocalChanges(ctx context.Context, recipients []string) error {
	msg, err := s.cache.ProcessLocalFileChanges()
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	s.logQueue = append(s.logQueue, msg)

	for recipient, events := range s.routeEventsByRecipient(msg.Events, recipients) {
		if len(events) == 0 {
			continue
		}
		s.outboxQueue = append(s.outboxQueue, outboxEntry{
			recipient: recipient,
			msg:       syftmsg.NewAcceptedEventsMessage(events),
		})
	}

	if err := s.addEventsToRollingState(ctx, msg); err != nil {
		return err
	}
	if s.onAccept != nil {
		s.onAccept(msg)
	}
	return s.flushQueues(ctx)
}

// routeEventsByRecipient applies the one path-sensitive routing rule: job
// events go only to the job's original submitter, and are skipped entirely
// when the submitter cannot be determined. Everything else broadcasts to
// every approved recipient.
func (s *OwnerSyncer) routeEventsByRecipient(events []*syftmsg.FileChangeEvent, recipients []string) map[string][]*syftmsg.FileChangeEvent {
	routed := make(map[string][]*syftmsg.FileChangeEvent, len(recipients))
	for _, recipient := range recipients {
		routed[recipient] = nil
	}
	for _, event := range events {
		if job.IsJobPath(event.PathInDatasite) {
			if s.submitters == nil {
				ownerLog.WithField("path", event.PathInDatasite).Warn("skipping job event: no submitter resolver")
				continue
			}
			submitter, err := s.submitters.Submitter(event.PathInDatasite)
			if err != nil {
				ownerLog.WithField("path", event.PathInDatasite).Warn("skipping job event: submitter unknown")
				continue
			}
			if _, ok := routed[submitter]; ok {
				routed[submitter] = append(routed[submitter], event)
			}
			continue
		}
		for _, recipient := range recipients {
			routed[recipient] = append(routed[recipient], event)
		}
	}
	return routed
}

// pullAndProcessNextProposedMessage drains one message from a sender's
// inbox: validate each change, queue the acceptances, archive the message.
// Returns nil when the inbox is empty.
func (s *OwnerSyncer) pullAndProcessNextProposedMessage(ctx context.Context, senderEmail string) (*syftmsg.ProposedChangeMessage, error) {
	msg, err := s.router.NextProposedChangeMessage(ctx, senderEmail)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	accepted, err := s.cache.ProcessProposedEventsMessage(msg)
	if err != nil {
		return nil, err
	}
	acceptedCount := 0
	if accepted != nil {
		acceptedCount = len(accepted.Events)
		s.logQueue = append(s.logQueue, accepted)
		s.outboxQueue = append(s.outboxQueue, outboxEntry{recipient: msg.SenderEmail, msg: accepted})
		if err := s.addEventsToRollingState(ctx, accepted); err != nil {
			return nil, err
		}
		if s.onAccept != nil {
			s.onAccept(accepted)
		}
		s.metrics.EventsAccepted.WithLabelValues(msg.SenderEmail).Add(float64(acceptedCount))
	}
	if dropped := len(msg.ProposedChanges) - acceptedCount; dropped > 0 {
		s.metrics.ConflictsDropped.WithLabelValues(msg.SenderEmail).Add(float64(dropped))
	}

	// The message is archived whether or not anything survived, so the
	// sender's inbox always drains.
	if err := s.router.ArchiveProposedChangeMessage(ctx, msg); err != nil {
		return nil, errors.Wrap(err, "archive proposed message")
	}
	return msg, nil
}

// flushQueues writes the pending log and outbox messages, one backend call
// per message, retrying transient failures. A message leaves its queue only
// once its write returned, so a failed tick resumes where it stopped.
func (s *OwnerSyncer) flushQueues(ctx context.Context) error {
	for len(s.logQueue) > 0 {
		msg := s.logQueue[0]
		err := backend.WithRetries(ctx, s.retry, func(ctx context.Context) error {
			_, err := s.router.WriteEventsMessageToLog(ctx, msg)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "write events message to log")
		}
		s.logQueue = s.logQueue[1:]
	}
	for len(s.outboxQueue) > 0 {
		entry := s.outboxQueue[0]
		err := backend.WithRetries(ctx, s.retry, func(ctx context.Context) error {
			return s.router.WriteEventsMessageToOutbox(ctx, entry.recipient, entry.msg)
		})
		if err != nil {
			return errors.Wrapf(err, "write events message to outbox of %s", entry.recipient)
		}
		s.outboxQueue = s.outboxQueue[1:]
	}
	return nil
}

// --- dataset restore ---

func (s *OwnerSyncer) collectionsDir() string {
	return filepath.Join(s.syftboxDir, "public", "syft_datasets")
}

// pullDatasetsForInitialSync restores shared collections and refreshes the
// link-shared cache.
func (s *OwnerSyncer) pullDatasetsForInitialSync(ctx context.Context) error {
	collections, err := s.router.DatasetCollectionsAsDO(ctx)
	if err != nil {
		return errors.Wrap(err, "list dataset collections")
	}

	for _, collection := range collections {
		if collection.HasAnyPermission {
			s.rememberAnyShared(collection)
		}
	}

	if s.syftboxDir == "" {
		return nil
	}

	for _, collection := range collections {
		cached := s.cache.CollectionHash(collection.Tag)
		if cached == "" {
			if h := hashutil.DirectoryHash(filepath.Join(s.collectionsDir(), collection.Tag)); h != "" {
				cached = h
				s.cache.SetCollectionHash(collection.Tag, h)
			}
		}
		if cached == collection.ContentHash {
			continue
		}
		dir := filepath.Join(s.collectionsDir(), collection.Tag)
		if err := s.downloadCollectionTo(ctx, collection, dir, false); err != nil {
			return err
		}
		s.cache.SetCollectionHash(collection.Tag, collection.ContentHash)
	}
	return nil
}

// pullPrivateDatasetsForInitialSync cold-restores owner-only collections
// that are absent locally.
func (s *OwnerSyncer) pullPrivateDatasetsForInitialSync(ctx context.Context) error {
	if s.syftboxDir == "" {
		return nil
	}
	collections, err := s.router.PrivateCollectionsAsDO(ctx)
	if err != nil {
		return errors.Wrap(err, "list private collections")
	}
	for _, collection := range collections {
		dir := filepath.Join(s.syftboxDir, "private", "syft_datasets", collection.Tag)
		if dirHasEntries(dir) {
			continue
		}
		if err := s.downloadCollectionTo(ctx, collection, dir, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *OwnerSyncer) rememberAnyShared(collection backend.Collection) {
	for _, existing := range s.anySharedDatasets {
		if existing.Tag == collection.Tag && existing.ContentHash == collection.ContentHash {
			return
		}
	}
	s.anySharedDatasets = append(s.anySharedDatasets, collection)
}

// downloadCollectionTo fetches a collection's files in parallel and writes
// them under dir.
func (s *OwnerSyncer) downloadCollectionTo(ctx context.Context, collection backend.Collection, dir string, private bool) error {
	var metas []backend.FileMeta
	var err error
	if private {
		metas, err = s.router.PrivateCollectionFileMetas(ctx, collection.Tag, collection.ContentHash)
	} else {
		metas, err = s.router.DatasetCollectionFileMetas(ctx, collection.Tag, collection.ContentHash, s.email)
	}
	if err != nil {
		return errors.Wrapf(err, "list collection %s", collection.Tag)
	}
	if len(metas) == 0 {
		return nil
	}

	contents := make([][]byte, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, meta := range metas {
		i, meta := i, meta
		conn := s.router.ConnectionForParallelDownload()
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
		return errors.Wrapf(err, "download collection %s", collection.Tag)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create collection directory")
	}
	for i, meta := range metas {
		if err := os.WriteFile(filepath.Join(dir, meta.Name), contents[i], 0o644); err != nil {
			return errors.Wrapf(err, "write collection file %s", meta.Name)
		}
	}
	return nil
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func sortAcceptedMessagesAscending(messages []*syftmsg.AcceptedEventsMessage) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp() != messages[j].Timestamp() {
			return messages[i].Timestamp() < messages[j].Timestamp()
		}
		return messages[i].FileName.ID.String() < messages[j].FileName.ID.String()
	})
}
