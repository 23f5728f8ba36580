package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/backend/memstore"
	"github.com/openmined/syftsync/hashutil"
	"github.com/openmined/syftsync/syftmsg"
)

type fixture struct {
	store *memstore.Store
	do    *OwnerSyncer
	ds    *WatcherSyncer
	doCfg OwnerSyncerConfig
}

// newFixture wires a DO and a DS against one shared store, with the DS
// already approved by the DO.
func newFixture(t *testing.T, tune func(*OwnerSyncerConfig)) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.NewStore()
	doConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "do@test.com"})
	dsConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "ds@test.com"})

	if err := dsConn.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}
	if err := doConn.UpdatePeerState(ctx, "ds@test.com", "accepted"); err != nil {
		t.Fatal(err)
	}

	doCfg := DefaultOwnerSyncerConfig("do@test.com", backend.NewConnectionRouter(doConn))
	if tune != nil {
		tune(&doCfg)
	}
	do := NewOwnerSyncer(doCfg)

	dsRouter := backend.NewConnectionRouter(dsConn)
	ds := NewWatcherSyncer(WatcherSyncerConfig{Email: "ds@test.com", Router: dsRouter})

	return &fixture{store: store, do: do, ds: ds, doCfg: doCfg}
}

func (f *fixture) sendChange(t *testing.T, path, content string, oldHash *string) {
	t.Helper()
	pc := syftmsg.NewProposedChange("do@test.com", path, []byte(content), syftmsg.ContentTypeText, oldHash, false)
	msg := syftmsg.NewProposedChangeMessage("ds@test.com", []*syftmsg.ProposedChange{pc})
	if err := f.ds.Router().SendProposedChangeMessage(context.Background(), "do@test.com", msg); err != nil {
		t.Fatal(err)
	}
}

func TestSync_AcceptsProposedChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.sendChange(t, "a.txt", "v1", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}

	hashes := f.do.Cache().FileHashes()
	if hashes["a.txt"] != hashutil.ContentHash([]byte("v1")) {
		t.Fatalf("change not applied: %v", hashes)
	}

	// The acceptance reached the log and the DS-facing outbox.
	ids, err := f.do.Router().AcceptedEventFileIDs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 log message, got %d", len(ids))
	}
	metas, err := f.ds.Router().OutboxFileMetas(ctx, "do@test.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(metas))
	}
}

func TestSync_ConflictFreedom(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	doConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "do@test.com"})
	aConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "a@test.com"})
	bConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "b@test.com"})
	for _, c := range []*memstore.Connection{aConn, bConn} {
		if err := c.AddPeerAsDS(ctx, "do@test.com"); err != nil {
			t.Fatal(err)
		}
	}
	for _, email := range []string{"a@test.com", "b@test.com"} {
		if err := doConn.UpdatePeerState(ctx, email, "accepted"); err != nil {
			t.Fatal(err)
		}
	}
	do := NewOwnerSyncer(DefaultOwnerSyncerConfig("do@test.com", backend.NewConnectionRouter(doConn)))

	// Seed a.txt = v1.
	if err := do.Cache().WriteLocalFile("a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := do.Sync(ctx, []string{"a@test.com", "b@test.com"}); err != nil {
		t.Fatal(err)
	}
	h1 := hashutil.ContentHash([]byte("v1"))

	// Both scientists race from the same base hash.
	send := func(conn *memstore.Connection, sender, content string) {
		pc := syftmsg.NewProposedChange("do@test.com", "a.txt", []byte(content), syftmsg.ContentTypeText, &h1, false)
		msg := syftmsg.NewProposedChangeMessage(sender, []*syftmsg.ProposedChange{pc})
		if err := conn.SendProposedChangeMessage(ctx, "do@test.com", msg); err != nil {
			t.Fatal(err)
		}
	}
	send(aConn, "a@test.com", "v2")
	send(bConn, "b@test.com", "v3")

	if err := do.Sync(ctx, []string{"a@test.com", "b@test.com"}); err != nil {
		t.Fatal(err)
	}

	// Exactly one write landed: a's, since peers drain in call order.
	got := do.Cache().FileHashes()["a.txt"]
	if got != hashutil.ContentHash([]byte("v2")) {
		t.Fatalf("first processed proposal must win, got hash %s", got)
	}

	// Both inboxes drained, both messages archived.
	for _, sender := range []string{"a@test.com", "b@test.com"} {
		msg, err := do.Router().NextProposedChangeMessage(ctx, sender)
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			t.Fatalf("inbox of %s should be drained", sender)
		}
		archiveID := store.FindFolderOwnedBy(backend.ArchiveFolderName(sender, "do@test.com"), "do@test.com")
		if archiveID == "" {
			t.Fatalf("archive folder for %s missing", sender)
		}
		metas, _, err := store.List(archiveID, 10, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(metas) != 1 {
			t.Fatalf("expected 1 archived message for %s, got %d", sender, len(metas))
		}
	}
}

func TestSync_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.sendChange(t, "p1", "c1", nil)
	f.sendChange(t, "p2", "c2", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.do.CreateCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	// A fresh owner instance restores the same state from the backend.
	doConn2 := memstore.NewConnection(f.store, memstore.ConnectionConfig{Email: "do@test.com"})
	do2 := NewOwnerSyncer(DefaultOwnerSyncerConfig("do@test.com", backend.NewConnectionRouter(doConn2)))
	if err := do2.PullInitialState(ctx); err != nil {
		t.Fatal(err)
	}

	hashes := do2.Cache().FileHashes()
	if len(hashes) != 2 {
		t.Fatalf("expected 2 files, got %v", hashes)
	}
	if hashes["p1"] != hashutil.ContentHash([]byte("c1")) || hashes["p2"] != hashutil.ContentHash([]byte("c2")) {
		t.Fatalf("hash mismatch: %v", hashes)
	}
	content, err := do2.Cache().ReadFile("p1")
	if err != nil || string(content) != "c1" {
		t.Fatalf("p1 not re-materialized: %q %v", content, err)
	}
}

func TestSync_IncrementalAndCompact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *OwnerSyncerConfig) {
		cfg.CheckpointThreshold = 3
		cfg.CompactingThreshold = 2
	})

	// Nine distinct changes arrive as nine messages.
	paths := []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9"}
	for _, p := range paths {
		f.sendChange(t, p, "content-"+p, nil)
	}

	count, err := f.do.Router().IncrementalCheckpointCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 incrementals before sync, got %d", count)
	}

	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}

	// Three incrementals were cut during the drain; the end-of-tick
	// compaction folded them into one full checkpoint.
	count, err = f.do.Router().IncrementalCheckpointCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 incrementals after compaction, got %d", count)
	}
	ckpt, err := f.do.Router().LatestCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt == nil || len(ckpt.Files) != 9 {
		t.Fatalf("expected full checkpoint with 9 files, got %+v", ckpt)
	}
}

func TestCreateIncrementalCheckpoint_ResetsRollingState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *OwnerSyncerConfig) {
		// Keep automatic checkpointing out of the way.
		cfg.CheckpointThreshold = 1000
	})

	f.sendChange(t, "a.txt", "v1", nil)
	f.sendChange(t, "b.txt", "v2", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}
	if f.do.RollingState().EventCount() != 2 {
		t.Fatalf("rolling state should buffer 2 events, got %d", f.do.RollingState().EventCount())
	}

	inc, err := f.do.CreateIncrementalCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if inc.SequenceNumber != 1 {
		t.Fatalf("first incremental must be seq 1, got %d", inc.SequenceNumber)
	}
	if f.do.RollingState().EventCount() != 0 {
		t.Fatal("rolling state must be empty after incremental checkpoint")
	}

	// Sequence numbers are gap-free.
	f.sendChange(t, "c.txt", "v3", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}
	inc2, err := f.do.CreateIncrementalCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if inc2.SequenceNumber != 2 {
		t.Fatalf("second incremental must be seq 2, got %d", inc2.SequenceNumber)
	}

	// Nothing buffered: a third attempt refuses.
	if _, err := f.do.CreateIncrementalCheckpoint(ctx); err != ErrNoRollingState {
		t.Fatalf("expected ErrNoRollingState, got %v", err)
	}
}

func TestPullInitialState_RollingStateFreshLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *OwnerSyncerConfig) {
		cfg.CheckpointThreshold = 1000
	})

	// Full checkpoint covering p1, p2.
	f.sendChange(t, "p1", "c1", nil)
	f.sendChange(t, "p2", "c2", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.do.CreateCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	// Two more accepted events land in the rolling state.
	f.sendChange(t, "p3", "c3", nil)
	f.sendChange(t, "p4", "c4", nil)
	if err := f.do.Sync(ctx, []string{"ds@test.com"}); err != nil {
		t.Fatal(err)
	}

	// A fresh manager restores from checkpoint + rolling state alone: the
	// event messages covered by the rolling state are never re-downloaded.
	doConn2 := memstore.NewConnection(f.store, memstore.ConnectionConfig{Email: "do@test.com"})
	do2 := NewOwnerSyncer(DefaultOwnerSyncerConfig("do@test.com", backend.NewConnectionRouter(doConn2)))
	if err := do2.PullInitialState(ctx); err != nil {
		t.Fatal(err)
	}

	hashes := do2.Cache().FileHashes()
	if len(hashes) != 4 {
		t.Fatalf("expected p1..p4, got %v", hashes)
	}
	for path, content := range map[string]string{"p1": "c1", "p2": "c2", "p3": "c3", "p4": "c4"} {
		if hashes[path] != hashutil.ContentHash([]byte(content)) {
			t.Fatalf("%s hash mismatch", path)
		}
	}
	// The restored rolling state carries the 2 uncheckpointed events.
	if do2.RollingState() == nil || do2.RollingState().EventCount() != 2 {
		t.Fatalf("rolling state should carry 2 events, got %+v", do2.RollingState())
	}
}

func TestProcessLocalChanges_JobRouting(t *testing.T) {
	ctx := context.Background()
	syftbox := t.TempDir()

	store := memstore.NewStore()
	doConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "do@test.com"})
	dsConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "ds@test.com"})
	otherConn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: "other@test.com"})
	for _, c := range []*memstore.Connection{dsConn, otherConn} {
		if err := c.AddPeerAsDS(ctx, "do@test.com"); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultOwnerSyncerConfig("do@test.com", backend.NewConnectionRouter(doConn))
	cfg.SyftboxDir = syftbox
	do := NewOwnerSyncer(cfg)

	// Job config names ds as the submitter.
	if err := writeFile(t, syftbox, "do@test.com/app_data/job/j1/config.yaml", "submitted_by: ds@test.com\n"); err != nil {
		t.Fatal(err)
	}

	// One job event and one regular event.
	if err := do.Cache().WriteLocalFile("app_data/job/j1/result.txt", []byte("out")); err != nil {
		t.Fatal(err)
	}
	if err := do.Cache().WriteLocalFile("public.txt", []byte("pub")); err != nil {
		t.Fatal(err)
	}
	// A job event whose submitter is unknown is skipped entirely.
	if err := do.Cache().WriteLocalFile("app_data/job/mystery/out.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := do.ProcessLocalChanges(ctx, []string{"ds@test.com", "other@test.com"}); err != nil {
		t.Fatal(err)
	}

	// ds gets the job event and the broadcast; other only the broadcast.
	dsMsgs, err := messagesInOutbox(ctx, dsConn, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	dsPaths := eventPaths(dsMsgs)
	if !dsPaths["app_data/job/j1/result.txt"] || !dsPaths["public.txt"] {
		t.Fatalf("ds should receive job + broadcast events, got %v", dsPaths)
	}
	if dsPaths["app_data/job/mystery/out.txt"] {
		t.Fatal("unroutable job event leaked to ds")
	}

	otherMsgs, err := messagesInOutbox(ctx, otherConn, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	otherPaths := eventPaths(otherMsgs)
	if otherPaths["app_data/job/j1/result.txt"] {
		t.Fatal("job event leaked to a non-submitter")
	}
	if !otherPaths["public.txt"] {
		t.Fatal("broadcast event missing for other peer")
	}
}

func messagesInOutbox(ctx context.Context, conn *memstore.Connection, peer string) ([]*syftmsg.AcceptedEventsMessage, error) {
	metas, err := conn.OutboxFileMetas(ctx, peer, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*syftmsg.AcceptedEventsMessage, 0, len(metas))
	for _, meta := range metas {
		msg, err := conn.DownloadEventsMessageFromOutbox(ctx, meta.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func eventPaths(messages []*syftmsg.AcceptedEventsMessage) map[string]bool {
	out := make(map[string]bool)
	for _, msg := range messages {
		for _, event := range msg.Events {
			out[event.PathInDatasite] = true
		}
	}
	return out
}

func writeFile(t *testing.T, root, rel, content string) error {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}
