package memstore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/hashutil"
	"github.com/openmined/syftsync/syftmsg"
)

func newPair(t *testing.T) (*Store, *Connection, *Connection) {
	t.Helper()
	store := NewStore()
	do := NewConnection(store, ConnectionConfig{Email: "do@test.com"})
	ds := NewConnection(store, ConnectionConfig{Email: "ds@test.com"})
	return store, do, ds
}

func proposedMessage(t *testing.T, sender, path, content string, ts float64) *syftmsg.ProposedChangeMessage {
	t.Helper()
	pc := syftmsg.NewProposedChange("do@test.com", path, []byte(content), syftmsg.ContentTypeText, nil, false)
	msg := syftmsg.NewProposedChangeMessage(sender, []*syftmsg.ProposedChange{pc})
	if ts != 0 {
		msg.FileName.SubmittedTimestamp = ts
	}
	return msg
}

func eventsMessage(t *testing.T, ts float64) *syftmsg.AcceptedEventsMessage {
	t.Helper()
	h := hashutil.ContentHash([]byte("x"))
	msg := syftmsg.NewAcceptedEventsMessage([]*syftmsg.FileChangeEvent{{
		ID:             uuid.New(),
		PathInDatasite: "a.txt",
		DatasiteEmail:  "do@test.com",
		Content:        []byte("x"),
		ContentType:    syftmsg.ContentTypeText,
		NewHash:        &h,
		Timestamp:      ts,
	}})
	if ts != 0 {
		msg.FileName.Timestamp = ts
	}
	return msg
}

func TestPeerRequestFlow(t *testing.T) {
	ctx := context.Background()
	_, do, ds := newPair(t)

	if err := ds.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}

	pending, err := do.PeerRequestsAsDO(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != "ds@test.com" {
		t.Fatalf("expected pending request from ds, got %v", pending)
	}

	approved, err := do.ApprovedPeersAsDO(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved) != 0 {
		t.Fatalf("no peer should be approved yet, got %v", approved)
	}

	if err := do.UpdatePeerState(ctx, "ds@test.com", "accepted"); err != nil {
		t.Fatal(err)
	}
	approved, err = do.ApprovedPeersAsDO(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved) != 1 || approved[0] != "ds@test.com" {
		t.Fatalf("expected ds approved, got %v", approved)
	}

	// Accepted peers no longer show as pending.
	pending, err = do.PeerRequestsAsDO(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("accepted peer still pending: %v", pending)
	}
}

func TestProposedMessageRoundTripAndArchive(t *testing.T) {
	ctx := context.Background()
	store, do, ds := newPair(t)

	if err := ds.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}
	sent := proposedMessage(t, "ds@test.com", "a.txt", "v1", 0)
	if err := ds.SendProposedChangeMessage(ctx, "do@test.com", sent); err != nil {
		t.Fatal(err)
	}

	got, err := do.NextProposedChangeMessage(ctx, "ds@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != sent.ID {
		t.Fatalf("expected the sent message back, got %+v", got)
	}
	if got.PlatformID == "" {
		t.Fatal("platform id should be set from the listing")
	}

	if err := do.ArchiveProposedChangeMessage(ctx, got); err != nil {
		t.Fatal(err)
	}

	// Inbox is drained; the object lives on in the archive folder.
	next, err := do.NextProposedChangeMessage(ctx, "ds@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatal("inbox should be drained after archive")
	}
	archiveID := store.FindFolderOwnedBy(backend.ArchiveFolderName("ds@test.com", "do@test.com"), "do@test.com")
	if archiveID == "" {
		t.Fatal("archive folder missing")
	}
	metas, _, err := store.List(archiveID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].Name != sent.FileName.String() {
		t.Fatalf("archived object missing, got %v", metas)
	}
}

func TestNextProposedMessage_OldestFirst(t *testing.T) {
	ctx := context.Background()
	_, do, ds := newPair(t)
	if err := ds.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}
	newer := proposedMessage(t, "ds@test.com", "b.txt", "v2", 2000)
	older := proposedMessage(t, "ds@test.com", "a.txt", "v1", 1000)
	for _, m := range []*syftmsg.ProposedChangeMessage{newer, older} {
		if err := ds.SendProposedChangeMessage(ctx, "do@test.com", m); err != nil {
			t.Fatal(err)
		}
	}
	got, err := do.NextProposedChangeMessage(ctx, "ds@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != older.ID {
		t.Fatal("oldest message should be pulled first")
	}
}

func TestEarlyTerminationListing(t *testing.T) {
	ctx := context.Background()
	store, do, ds := newPair(t)
	if err := ds.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}

	// DO fills the DS-facing outbox with five messages at timestamps
	// 10..50.
	for _, ts := range []float64{10, 20, 30, 40, 50} {
		if err := do.WriteEventsMessageToOutbox(ctx, "ds@test.com", eventsMessage(t, ts)); err != nil {
			t.Fatal(err)
		}
	}

	dsSmall := NewConnection(store, ConnectionConfig{Email: "ds@test.com", PageSize: 2})
	since := 30.0
	before := store.ListCalls()
	metas, err := dsSmall.OutboxFileMetas(ctx, "do@test.com", &since)
	if err != nil {
		t.Fatal(err)
	}
	calls := store.ListCalls() - before
	if calls > 2 {
		t.Fatalf("expected at most 2 list calls, got %d", calls)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 new messages, got %d", len(metas))
	}
	// Ascending apply order.
	ts0, _ := syftmsg.TimestampFromMessageFileName(metas[0].Name)
	ts1, _ := syftmsg.TimestampFromMessageFileName(metas[1].Name)
	if ts0 != 40 || ts1 != 50 {
		t.Fatalf("expected [40 50], got [%v %v]", ts0, ts1)
	}
}

func TestRollingStateInPlaceUpdate(t *testing.T) {
	ctx := context.Background()
	_, do, _ := newPair(t)

	rs := syftmsg.NewRollingState("do@test.com", 0)
	rs.AddEvent(&syftmsg.FileChangeEvent{ID: uuid.New(), PathInDatasite: "a.txt", DatasiteEmail: "do@test.com", Content: []byte("v1"), Timestamp: 1})
	id1, err := do.UploadRollingState(ctx, rs)
	if err != nil {
		t.Fatal(err)
	}
	rs.AddEvent(&syftmsg.FileChangeEvent{ID: uuid.New(), PathInDatasite: "b.txt", DatasiteEmail: "do@test.com", Content: []byte("v2"), Timestamp: 2})
	id2, err := do.UploadRollingState(ctx, rs)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("second upload should update the same object in place")
	}

	got, err := do.RollingState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.EventCount() != 2 {
		t.Fatalf("expected 2 events in stored rolling state, got %+v", got)
	}

	if err := do.DeleteRollingState(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = do.RollingState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("rolling state should be gone after delete")
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	_, do, _ := newPair(t)

	// No checkpoint yet.
	ckpt, err := do.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt != nil {
		t.Fatal("expected no checkpoint")
	}

	seq, err := do.NextIncrementalSequenceNumber(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("first sequence number should be 1, got %d", seq)
	}

	inc := syftmsg.NewIncrementalCheckpoint("do@test.com", seq, nil)
	if _, err := do.UploadIncrementalCheckpoint(ctx, inc); err != nil {
		t.Fatal(err)
	}
	count, err := do.IncrementalCheckpointCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 incremental, got %d", count)
	}
	seq, err = do.NextIncrementalSequenceNumber(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Fatalf("next sequence should be 2, got %d", seq)
	}

	// Upload a second full checkpoint; the first must be replaced.
	c1 := syftmsg.NewCheckpoint("do@test.com", nil, nil)
	c1.Timestamp = 100
	if _, err := do.UploadCheckpoint(ctx, c1); err != nil {
		t.Fatal(err)
	}
	c2 := syftmsg.NewCheckpoint("do@test.com", nil, nil)
	c2.Timestamp = 200
	if _, err := do.UploadCheckpoint(ctx, c2); err != nil {
		t.Fatal(err)
	}
	got, err := do.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Timestamp != 200 {
		t.Fatalf("expected checkpoint at 200, got %+v", got)
	}

	// Incrementals survive full-checkpoint replacement until compaction
	// deletes them.
	if err := do.DeleteAllIncrementalCheckpoints(ctx); err != nil {
		t.Fatal(err)
	}
	count, err = do.IncrementalCheckpointCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 incrementals after delete, got %d", count)
	}
}

func TestOrphanSweepAndBatchDelete(t *testing.T) {
	ctx := context.Background()
	_, do, ds := newPair(t)
	if err := ds.AddPeerAsDS(ctx, "do@test.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := do.WriteEventsMessageToLog(ctx, eventsMessage(t, 10)); err != nil {
		t.Fatal(err)
	}
	rs := syftmsg.NewRollingState("do@test.com", 0)
	rs.AddEvent(&syftmsg.FileChangeEvent{ID: uuid.New(), PathInDatasite: "a", DatasiteEmail: "do@test.com", Content: []byte("x"), Timestamp: 1})
	if _, err := do.UploadRollingState(ctx, rs); err != nil {
		t.Fatal(err)
	}

	orphans, err := do.FindOrphanedMessageFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 pattern-matched objects, got %d", len(orphans))
	}

	// Batch delete tolerates ids that are gone or not ours.
	sent := proposedMessage(t, "ds@test.com", "a.txt", "v1", 0)
	if err := ds.SendProposedChangeMessage(ctx, "do@test.com", sent); err != nil {
		t.Fatal(err)
	}
	ids := append(orphans, "obj-does-not-exist", sent.PlatformID)
	err = do.DeleteFilesByID(ctx, ids, backend.DeleteOptions{IgnoreNotFound: true, IgnorePermissionErrors: true})
	if err != nil {
		t.Fatal(err)
	}
	// Without tolerance the same call fails.
	err = do.DeleteFilesByID(ctx, []string{"obj-does-not-exist"}, backend.DeleteOptions{})
	if err == nil {
		t.Fatal("expected not-found to surface without tolerance")
	}
}

func TestVersionFileSharing(t *testing.T) {
	ctx := context.Background()
	_, do, ds := newPair(t)

	if err := do.WriteVersionFile(ctx, []byte(`{"protocol_version":"1"}`)); err != nil {
		t.Fatal(err)
	}
	// Not shared yet: DS cannot read it.
	data, err := ds.ReadPeerVersionFile(ctx, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("unshared version file should be invisible")
	}

	if err := do.ShareVersionFileWithPeer(ctx, "ds@test.com"); err != nil {
		t.Fatal(err)
	}
	data, err = ds.ReadPeerVersionFile(ctx, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"protocol_version":"1"}` {
		t.Fatalf("unexpected version payload: %s", data)
	}
}

func TestDatasetCollections(t *testing.T) {
	ctx := context.Background()
	_, do, ds := newPair(t)

	files := map[string][]byte{"data.csv": []byte("1,2,3")}
	hash := hashutil.FilesHash(files)
	if err := do.CreateDatasetCollection(ctx, "mnist", hash); err != nil {
		t.Fatal(err)
	}
	if err := do.UploadDatasetFiles(ctx, "mnist", hash, files); err != nil {
		t.Fatal(err)
	}

	// Invisible to DS until shared.
	visible, err := ds.DatasetCollectionsAsDS(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Fatalf("unshared collection visible: %v", visible)
	}

	if err := do.TagDatasetCollectionAsAny(ctx, "mnist", hash); err != nil {
		t.Fatal(err)
	}
	visible, err = ds.DatasetCollectionsAsDS(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].Tag != "mnist" || !visible[0].HasAnyPermission {
		t.Fatalf("expected shared mnist collection, got %v", visible)
	}

	own, err := do.DatasetCollectionsAsDO(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 1 || own[0].OwnerEmail != "do@test.com" {
		t.Fatalf("expected own collection, got %v", own)
	}

	metas, err := ds.DatasetCollectionFileMetas(ctx, "mnist", hash, "do@test.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].Name != "data.csv" {
		t.Fatalf("expected data.csv, got %v", metas)
	}
	content, err := ds.DownloadDatasetFile(ctx, metas[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "1,2,3" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestCollectionFolderNameParsing(t *testing.T) {
	tag, hash, ok := parseCollectionFolderName("syft_datasetcollection_my_tag_with_underscores_abc123", backend.DatasetCollectionPrefix)
	if !ok || tag != "my_tag_with_underscores" || hash != "abc123" {
		t.Fatalf("parse failed: %q %q %v", tag, hash, ok)
	}
	if _, _, ok := parseCollectionFolderName("unrelated", backend.DatasetCollectionPrefix); ok {
		t.Fatal("unrelated name should not parse")
	}
}
