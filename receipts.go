package openstall

import "time"

// ReceiptTracker decides which visible messages from the other participant
// still need a read acknowledgement, and applies receipts arriving from
// either transport. Owned by one Session; not shared.
type ReceiptTracker struct {
	viewerID     string
	acknowledged map[string]struct{}
}

// NewReceiptTracker creates a tracker for the given viewer.
func NewReceiptTracker(viewerID string) *ReceiptTracker {
	return &ReceiptTracker{
		viewerID:     viewerID,
		acknowledged: make(map[string]struct{}),
	}
}

// Unread returns the ids of confirmed messages authored by the other
// participant that are not yet read. Pure with respect to tracker state.
func (t *ReceiptTracker) Unread(msgs []Message) []string {
	var ids []string
	for _, m := range msgs {
		if !m.Confirmed() || m.IsRead || m.SenderID == t.viewerID {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// Filter returns only the ids that have not been acknowledged before and
// records them, so an unchanged unread set produces no further network
// traffic.
func (t *ReceiptTracker) Filter(ids []string) []string {
	var fresh []string
	for _, id := range ids {
		if _, ok := t.acknowledged[id]; ok {
			continue
		}
		t.acknowledged[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

// ApplyRead is the single mutation path for read state: it marks the
// referenced ids read in the store, driven by a messages_read event from
// either transport.
func (t *ReceiptTracker) ApplyRead(store *Store, ids []string, at time.Time) bool {
	for _, id := range ids {
		t.acknowledged[id] = struct{}{}
	}
	return store.MarkRead(ids, at)
}
