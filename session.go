package openstall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned by Session operations after Close.
var ErrSessionClosed = errors.New("openstall: session closed")

// defaultResolveTimeout bounds how long an optimistic message may stay
// unresolved before it is flagged as not sent.
const defaultResolveTimeout = 15 * time.Second

// Snapshot is the consumer-facing view: the full ordered message list plus
// the connection status, and an optional transient server notice.
type Snapshot struct {
	Messages []Message
	State    ConnState
	Notice   string
}

// SessionConfig configures a conversation session.
type SessionConfig struct {
	Conn           *ConnConfig
	ResolveTimeout time.Duration
}

func (c *SessionConfig) defaults() {
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
}

// Session orchestrates one open conversation view: it seeds the store from
// history, runs the live channel, coordinates transport fallback, and tracks
// read receipts. Its lifetime is bound to "the conversation view is open":
// Close discards all per-conversation state.
//
// Every mutation flows through one dispatch loop; events are processed
// strictly in arrival order.
type Session struct {
	client         *Client
	conversationID string
	viewerID       string
	config         *SessionConfig

	conn    *ConnManager
	store   *Store
	tracker *ReceiptTracker
	coord   *Coordinator

	sends   chan Message
	resolve chan string
	updates chan Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	opened bool
	closed bool

	// loop-owned, no locking
	state ConnState
}

// NewSession creates a session for one conversation viewed by one user.
// Passing a nil config uses defaults.
func NewSession(client *Client, conversationID, viewerID string, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	conn := NewConnManager(client, conversationID, cfg.Conn)
	return &Session{
		client:         client,
		conversationID: conversationID,
		viewerID:       viewerID,
		config:         &cfg,
		conn:           conn,
		store:          NewStore(conversationID),
		tracker:        NewReceiptTracker(viewerID),
		coord:          NewCoordinator(conn, client, conversationID),
		sends:          make(chan Message, 16),
		resolve:        make(chan string, 16),
		updates:        make(chan Snapshot, 1),
		done:           make(chan struct{}),
		state:          StateDisconnected,
	}
}

// Open seeds the store from the historical fetch and starts the live
// channel. A live-channel failure is not fatal: the backoff schedule keeps
// running in the background and the fallback transport covers sends in the
// meantime. Only a failed history fetch aborts the open.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	history, err := s.client.GetMessages(ctx, s.conversationID)
	if err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		s.cancel()
		return fmt.Errorf("seed conversation %s: %w", s.conversationID, err)
	}
	s.store.Seed(history)

	if err := s.conn.Connect(s.ctx); err != nil {
		go s.conn.runReconnect()
	}

	go s.loop()
	return nil
}

// Close tears the session down: deliberate disconnect, timers cancelled,
// in-flight fallback results discarded. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened := s.opened
	s.mu.Unlock()

	err := s.conn.Disconnect("conversation closed")
	if opened {
		s.cancel()
		<-s.done
		close(s.updates)
	}
	return err
}

// Updates returns the consumer-facing observable. The channel coalesces:
// a slow consumer always receives the latest snapshot, never a backlog.
// It is closed by Close.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// State returns the live-channel connection state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// Messages returns the current ordered message list.
func (s *Session) Messages() []Message {
	return s.store.Snapshot()
}

// Send queues one outbound message. The returned client id identifies the
// optimistic entry, also usable to correlate a later send-failed flag.
func (s *Session) Send(content string) (string, error) {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.mu.Unlock()

	msg := Message{
		ConversationID: s.conversationID,
		SenderID:       s.viewerID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		ClientID:       uuid.NewString(),
		Delivery:       DeliveryPending,
	}
	select {
	case s.sends <- msg:
		return msg.ClientID, nil
	case <-s.ctx.Done():
		return "", ErrSessionClosed
	}
}

// ============================================================================
// Dispatch loop
// ============================================================================

func (s *Session) loop() {
	defer close(s.done)

	s.state = s.conn.State()
	s.publish("")
	s.evaluateAcks()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.conn.Events():
			s.handleEvent(ev)
		case ev := <-s.coord.Synth():
			s.handleEvent(ev)
		case msg := <-s.sends:
			s.handleSend(msg)
		case clientID := <-s.resolve:
			if s.store.MarkFailed(clientID) {
				s.publish("")
			}
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventState:
		s.state = ev.State
		s.publish("")
		if ev.State == StateConnected {
			s.evaluateAcks()
		}

	case EventSendFailed:
		if s.store.MarkFailed(ev.ClientID) {
			s.publish("")
		}

	case EventFrame:
		switch ev.Frame.Kind {
		case FrameNewMessage:
			if s.store.Merge(*ev.Frame.Message) {
				s.publish("")
				s.evaluateAcks()
			}
		case FrameMessagesRead:
			if s.tracker.ApplyRead(s.store, ev.Frame.MessageIDs, time.Now().UTC()) {
				s.publish("")
			}
		case FrameError:
			s.publish(ev.Frame.ErrorText)
		case FrameConnected, FramePong:
			// handshake and heartbeat traffic, nothing to apply
		}
	}
}

func (s *Session) handleSend(msg Message) {
	s.store.Merge(msg)
	s.publish("")

	clientID := msg.ClientID
	time.AfterFunc(s.config.ResolveTimeout, func() {
		select {
		case s.resolve <- clientID:
		case <-s.ctx.Done():
		}
	})

	go s.coord.SendMessage(s.ctx, msg)
}

// evaluateAcks acknowledges the current unread set once per change. The
// tracker filters ids already acknowledged, so an unchanged set produces no
// network calls.
func (s *Session) evaluateAcks() {
	ids := s.tracker.Filter(s.tracker.Unread(s.store.Snapshot()))
	if len(ids) == 0 {
		return
	}
	go s.coord.MarkRead(s.ctx, ids)
}

// publish pushes the latest snapshot, replacing an unconsumed older one.
func (s *Session) publish(notice string) {
	snap := Snapshot{
		Messages: s.store.Snapshot(),
		State:    s.state,
		Notice:   notice,
	}
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
