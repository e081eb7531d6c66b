package openstall

import (
	"testing"
	"time"
)

func TestReceiptTrackerUnread(t *testing.T) {
	tr := NewReceiptTracker("user-1")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	read := confirmedMsg("msg-2", "user-2", "b", at)
	read.IsRead = true

	msgs := []Message{
		confirmedMsg("msg-1", "user-2", "a", at),            // unread, theirs
		read,                                                // read, theirs
		confirmedMsg("msg-3", "user-1", "c", at),            // unread, own
		optimisticMsg("c-1", "user-1", "d", at),             // unconfirmed
		{ClientID: "c-2", SenderID: "user-2", Content: "e"}, // unconfirmed, theirs
	}

	got := tr.Unread(msgs)
	if !equalIDs(got, []string{"msg-1"}) {
		t.Fatalf("expected [msg-1], got %v", got)
	}

	// Pure: repeated evaluation is unaffected by tracker state.
	if again := tr.Unread(msgs); !equalIDs(again, got) {
		t.Fatalf("expected identical result, got %v", again)
	}
}

func TestReceiptTrackerFilter(t *testing.T) {
	tr := NewReceiptTracker("user-1")

	first := tr.Filter([]string{"msg-1", "msg-2"})
	if !equalIDs(first, []string{"msg-1", "msg-2"}) {
		t.Fatalf("expected both ids fresh, got %v", first)
	}

	// An unchanged unread set produces nothing to acknowledge.
	if again := tr.Filter([]string{"msg-1", "msg-2"}); len(again) != 0 {
		t.Fatalf("expected no fresh ids, got %v", again)
	}

	// Only genuinely new ids come through.
	next := tr.Filter([]string{"msg-2", "msg-3"})
	if !equalIDs(next, []string{"msg-3"}) {
		t.Fatalf("expected [msg-3], got %v", next)
	}
}

func TestReceiptTrackerApplyRead(t *testing.T) {
	tr := NewReceiptTracker("user-1")
	s := NewStore("conv-001")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Merge(confirmedMsg("msg-1", "user-2", "a", at))

	if !tr.ApplyRead(s, []string{"msg-1"}, at.Add(time.Minute)) {
		t.Fatal("expected the store to change")
	}
	if !s.Snapshot()[0].IsRead {
		t.Fatal("msg-1 should be read")
	}

	// A receipt also settles the acknowledgement bookkeeping: the id never
	// goes back out.
	if fresh := tr.Filter([]string{"msg-1"}); len(fresh) != 0 {
		t.Fatalf("receipted id must not be re-acknowledged, got %v", fresh)
	}

	if tr.ApplyRead(s, []string{"msg-1"}, at.Add(2*time.Minute)) {
		t.Fatal("re-applying the same receipt should report no change")
	}
}
