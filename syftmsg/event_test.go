package syftmsg

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/openmined/syftsync/hashutil"
)

func textEvent(path, content string) *FileChangeEvent {
	h := hashutil.ContentHash([]byte(content))
	return &FileChangeEvent{
		ID:                 uuid.New(),
		PathInDatasite:     path,
		DatasiteEmail:      "do@test.com",
		Content:            []byte(content),
		ContentType:        ContentTypeText,
		NewHash:            &h,
		SubmittedTimestamp: hashutil.Now(),
		Timestamp:          hashutil.Now(),
	}
}

func TestAcceptedEventsMessage_CompressRoundTrip(t *testing.T) {
	msg := NewAcceptedEventsMessage([]*FileChangeEvent{
		textEvent("a.txt", "hello"),
		textEvent("dir/b.txt", "world"),
	})
	data, err := msg.Compressed()
	if err != nil {
		t.Fatal(err)
	}
	got, err := AcceptedEventsMessageFromCompressed(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileName.ID != msg.FileName.ID || got.Timestamp() != msg.Timestamp() {
		t.Fatal("filename did not round trip")
	}
	if len(got.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got.Events))
	}
	for i, e := range got.Events {
		orig := msg.Events[i]
		if e.ID != orig.ID || e.PathInDatasite != orig.PathInDatasite {
			t.Fatalf("event %d identity mismatch", i)
		}
		if !bytes.Equal(e.Content, orig.Content) {
			t.Fatalf("event %d content mismatch", i)
		}
		if *e.NewHash != *orig.NewHash {
			t.Fatalf("event %d hash mismatch", i)
		}
	}
}

func TestBinaryContent_RoundTrip(t *testing.T) {
	// All byte values must survive the base64 leg.
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	h := hashutil.ContentHash(raw)
	e := &FileChangeEvent{
		ID:             uuid.New(),
		PathInDatasite: "model.bin",
		DatasiteEmail:  "do@test.com",
		Content:        raw,
		ContentType:    ContentTypeBinary,
		NewHash:        &h,
		Timestamp:      hashutil.Now(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"content_type":"binary"`) {
		t.Fatalf("expected binary content type in wire form: %s", data)
	}
	var got FileChangeEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Content, raw) {
		t.Fatal("binary content corrupted in round trip")
	}
}

func TestDeletionEvent_NullContent(t *testing.T) {
	old := hashutil.ContentHash([]byte("x"))
	e := &FileChangeEvent{
		ID:             uuid.New(),
		PathInDatasite: "gone.txt",
		DatasiteEmail:  "do@test.com",
		OldHash:        &old,
		IsDeleted:      true,
		Timestamp:      hashutil.Now(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"content":null`) {
		t.Fatalf("deletion must serialize null content: %s", data)
	}
	if !strings.Contains(string(data), `"new_hash":null`) {
		t.Fatalf("deletion must serialize null new_hash: %s", data)
	}
	var got FileChangeEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Content != nil || got.NewHash != nil || !got.IsDeleted {
		t.Fatal("deletion did not round trip")
	}
}

func TestEventFromProposedChange_StampsAcceptance(t *testing.T) {
	pc := NewProposedChange("do@test.com", "a.txt", []byte("v1"), ContentTypeText, nil, false)
	e := EventFromProposedChange(pc)
	if e.ID != pc.ID {
		t.Fatal("event must keep the proposed change id")
	}
	if e.Timestamp < pc.SubmittedTimestamp {
		t.Fatal("acceptance timestamp must not precede submission")
	}
	if e.NewHash == nil || *e.NewHash != hashutil.ContentHash([]byte("v1")) {
		t.Fatal("new hash must carry over")
	}
}

func TestValidatePath(t *testing.T) {
	valid := []string{"a.txt", "dir/sub/file.bin", "app_data/job/j1/config.yaml"}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Errorf("unexpected error for %q: %v", p, err)
		}
	}
	invalid := []string{"", "/abs/path", "../escape", "dir/../../escape", "a/../b"}
	for _, p := range invalid {
		if err := ValidatePath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestMalformedEnvelope(t *testing.T) {
	if _, err := AcceptedEventsMessageFromCompressed([]byte("not gzip at all")); err == nil {
		t.Fatal("expected error for garbage envelope")
	}
	// Valid envelope, garbage JSON.
	data, err := Compress([]byte("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AcceptedEventsMessageFromCompressed(data); err == nil {
		t.Fatal("expected error for garbage payload")
	}
}
