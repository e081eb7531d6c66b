package openstall

import (
	"iter"
	"sort"
	"sync"
	"time"
)

// optimisticMatchWindow bounds the created_at proximity used to pair an
// optimistic message with its authoritative copy when the server does not
// echo the client id. A miss leaves a duplicate that the next history
// refresh reconciles; it never loses the message.
const optimisticMatchWindow = 10 * time.Second

// Store is the single source of truth for one conversation's message list.
// It merges the historical seed, live pushed messages, and locally
// originated optimistic entries into one deduplicated view with a
// deterministic total order by (created_at, id).
//
// All mutation goes through the session's dispatch loop; the internal lock
// only guards concurrent snapshot reads.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	confirmed      map[string]*Message // by server-assigned id
	local          map[string]*Message // unconfirmed, by client id
}

// NewStore creates an empty store for a conversation.
func NewStore(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		confirmed:      make(map[string]*Message),
		local:          make(map[string]*Message),
	}
}

// Seed replaces the base set from a historical fetch. Unresolved local
// entries survive a reseed so an in-flight send is not dropped by a refresh.
func (s *Store) Seed(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmed = make(map[string]*Message, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if !m.Confirmed() {
			continue
		}
		m.Delivery = DeliveryConfirmed
		s.confirmed[m.ID] = &m
		s.resolveLocalLocked(&m)
	}
}

// Merge adds or updates one message and reports whether the visible view
// changed. Dedup key is the durable id when present; an authoritative
// message without a stored id is matched against an unresolved optimistic
// entry and replaces it in place.
func (s *Store) Merge(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !msg.Confirmed() {
		// Optimistic entry from a local send.
		if msg.ClientID == "" {
			return false
		}
		if msg.Delivery == "" {
			msg.Delivery = DeliveryPending
		}
		if existing, ok := s.local[msg.ClientID]; ok {
			changed := !sameMessage(existing, &msg)
			*existing = msg
			return changed
		}
		s.local[msg.ClientID] = &msg
		return true
	}

	msg.Delivery = DeliveryConfirmed
	if existing, ok := s.confirmed[msg.ID]; ok {
		changed := !sameMessage(existing, &msg)
		*existing = msg
		return changed
	}
	s.confirmed[msg.ID] = &msg
	s.resolveLocalLocked(&msg)
	return true
}

// resolveLocalLocked retires the optimistic counterpart of an authoritative
// message, if one exists: exact client-id pairing first, then the
// sender/content/time-window heuristic.
func (s *Store) resolveLocalLocked(msg *Message) {
	if msg.ClientID != "" {
		if _, ok := s.local[msg.ClientID]; ok {
			delete(s.local, msg.ClientID)
			return
		}
	}
	for clientID, pend := range s.local {
		if pend.Delivery != DeliveryPending {
			continue
		}
		if pend.SenderID != msg.SenderID || pend.Content != msg.Content ||
			pend.ConversationID != msg.ConversationID {
			continue
		}
		gap := msg.CreatedAt.Sub(pend.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= optimisticMatchWindow {
			delete(s.local, clientID)
			return
		}
	}
}

// MarkRead applies read receipts to the referenced ids and reports whether
// anything changed. Unknown ids are ignored.
func (s *Store) MarkRead(ids []string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range ids {
		if m, ok := s.confirmed[id]; ok && !m.IsRead {
			m.IsRead = true
			readAt := at
			m.ReadAt = &readAt
			changed = true
		}
	}
	return changed
}

// MarkFailed flags an unresolved optimistic entry as not sent. The entry
// stays visible so the user's intent is preserved for a retry; a late
// authoritative copy can still reconcile it on the next refresh.
func (s *Store) MarkFailed(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.local[clientID]
	if !ok || m.Delivery != DeliveryPending {
		return false
	}
	m.Delivery = DeliveryFailed
	return true
}

// Pending returns the unresolved optimistic entries.
func (s *Store) Pending() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.local {
		if m.Delivery == DeliveryPending {
			out = append(out, *m)
		}
	}
	return out
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.confirmed) + len(s.local)
}

// Snapshot returns a sorted copy of the visible message list.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.confirmed)+len(s.local))
	for _, m := range s.confirmed {
		out = append(out, *m)
	}
	for _, m := range s.local {
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns a restartable ordered sequence over the messages as of the
// call, sorted by (created_at, id) ascending.
func (s *Store) All() iter.Seq[Message] {
	snap := s.Snapshot()
	return func(yield func(Message) bool) {
		for _, m := range snap {
			if !yield(m) {
				return
			}
		}
	}
}

func sameMessage(a, b *Message) bool {
	return a.ID == b.ID &&
		a.Content == b.Content &&
		a.SenderID == b.SenderID &&
		a.IsRead == b.IsRead &&
		a.Delivery == b.Delivery &&
		a.CreatedAt.Equal(b.CreatedAt)
}
