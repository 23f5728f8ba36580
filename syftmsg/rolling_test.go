package syftmsg

import (
	"testing"
)

func TestRollingState_DedupOnInsert(t *testing.T) {
	rs := NewRollingState("do@test.com", 0)
	e1 := textEvent("a.txt", "v1")
	e2 := textEvent("a.txt", "v2")
	e3 := textEvent("b.txt", "b1")

	rs.AddEvent(e1)
	rs.AddEvent(e3)
	rs.AddEvent(e2)

	if rs.EventCount() != 2 {
		t.Fatalf("expected 2 distinct paths, got %d", rs.EventCount())
	}
	// The replacement keeps a.txt in its original slot.
	if rs.Events[0].PathInDatasite != "a.txt" || *rs.Events[0].NewHash != *e2.NewHash {
		t.Fatal("insert must replace in place for the same path")
	}
	if rs.Events[1].PathInDatasite != "b.txt" {
		t.Fatal("unrelated path must be unaffected")
	}
}

func TestRollingState_AddEventsMessage(t *testing.T) {
	rs := NewRollingState("do@test.com", 100)
	e1 := textEvent("a.txt", "v1")
	e2 := textEvent("b.txt", "v2")
	e1.Timestamp = 101
	e2.Timestamp = 102
	msg := NewAcceptedEventsMessage([]*FileChangeEvent{e1, e2})
	msg.FileName.Timestamp = 103
	rs.AddEventsMessage(msg)

	if rs.EventCount() != 2 {
		t.Fatalf("expected 2 events, got %d", rs.EventCount())
	}
	// The watermark is the message timestamp, not the last event's.
	if rs.LastEventTimestamp == nil || *rs.LastEventTimestamp != 103 {
		t.Fatalf("last event timestamp should be 103, got %v", rs.LastEventTimestamp)
	}
}

func TestRollingState_Clear(t *testing.T) {
	rs := NewRollingState("do@test.com", 100)
	rs.AddEvent(textEvent("a.txt", "v1"))
	rs.Clear(200)

	if rs.EventCount() != 0 {
		t.Fatal("clear must drop all events")
	}
	if rs.BaseCheckpointTimestamp != 200 {
		t.Fatal("clear must rebase")
	}
	if rs.LastEventTimestamp != nil {
		t.Fatal("clear must reset last event timestamp")
	}
}

func TestRollingState_CompressRoundTrip(t *testing.T) {
	rs := NewRollingState("do@test.com", 100)
	rs.AddEvent(textEvent("a.txt", "v1"))
	data, err := rs.Compressed()
	if err != nil {
		t.Fatal(err)
	}
	got, err := RollingStateFromCompressed(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != rs.Email || got.BaseCheckpointTimestamp != 100 || got.EventCount() != 1 {
		t.Fatal("round trip mismatch")
	}
	if got.Events[0].ID != rs.Events[0].ID {
		t.Fatal("event id mismatch")
	}
}
