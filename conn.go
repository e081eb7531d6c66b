package openstall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by ConnManager.Send when the live channel is
// not usable. Callers are expected to fall back to the REST transport.
var ErrNotConnected = errors.New("openstall: live channel not connected")

// ============================================================================
// Wire Frames
// ============================================================================

// FrameKind tags an inbound live-channel frame.
type FrameKind string

const (
	FrameConnected    FrameKind = "connected"
	FrameNewMessage   FrameKind = "new_message"
	FrameMessagesRead FrameKind = "messages_read"
	FramePong         FrameKind = "pong"
	FrameError        FrameKind = "error"
	FrameUnknown      FrameKind = "unknown"
)

// Frame is the parsed tagged form of an inbound frame. Exactly the fields
// for the tagged kind are populated.
type Frame struct {
	Kind       FrameKind
	Message    *Message // new_message
	MessageIDs []string // messages_read
	ErrorText  string   // error
}

type frameEnvelope struct {
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"message,omitempty"`
	MessageIDs []string        `json:"message_ids,omitempty"`
}

// parseFrame validates an inbound frame into its tagged form. Unrecognized
// types come back as FrameUnknown; payloads that fail validation are errors.
func parseFrame(data []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	switch env.Type {
	case "connected":
		return Frame{Kind: FrameConnected}, nil
	case "new_message":
		var msg Message
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return Frame{}, fmt.Errorf("invalid new_message payload: %w", err)
		}
		if msg.ID == "" {
			return Frame{}, errors.New("new_message payload missing id")
		}
		msg.Delivery = DeliveryConfirmed
		return Frame{Kind: FrameNewMessage, Message: &msg}, nil
	case "messages_read":
		if len(env.MessageIDs) == 0 {
			return Frame{}, errors.New("messages_read payload missing message_ids")
		}
		return Frame{Kind: FrameMessagesRead, MessageIDs: env.MessageIDs}, nil
	case "pong":
		return Frame{Kind: FramePong}, nil
	case "error":
		var text string
		if len(env.Message) > 0 {
			json.Unmarshal(env.Message, &text)
		}
		return Frame{Kind: FrameError, ErrorText: text}, nil
	default:
		return Frame{Kind: FrameUnknown}, nil
	}
}

// Outbound frame shapes.

type pingFrame struct {
	Type string `json:"type"`
}

type sendMessageFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

type markReadFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
}

// ============================================================================
// Events
// ============================================================================

// EventKind tags an entry on the session event channel.
type EventKind int

const (
	// EventFrame carries an inbound (or locally synthesized) wire frame.
	EventFrame EventKind = iota
	// EventState carries a connection-state transition.
	EventState
	// EventSendFailed reports that a message could not be delivered on
	// either transport. ClientID identifies the optimistic entry.
	EventSendFailed
)

// Event is the tagged union consumed by the session dispatch loop. One
// channel, one consumer, strict arrival order.
type Event struct {
	Kind     EventKind
	Frame    Frame
	State    ConnState
	ClientID string
	Err      error
}

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the live-channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateFailed is terminal: reconnect attempts are exhausted and no
	// further attempt is scheduled. Recovery requires a new session.
	StateFailed ConnState = "failed"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the live-channel manager.
type ConnConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *log.Logger
}

func (c *ConnConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// nextDelay returns min(base * 2^attempt, cap) and advances the counter.
func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns exactly one live bidirectional channel scoped to one
// conversation: connect, handshake, heartbeat, failure detection, and
// bounded-backoff reconnection. It is owned by a single Session and torn
// down with it.
type ConnManager struct {
	url    string
	config *ConnConfig

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	intentionalClose bool
	inBackoff        bool
	recon            *reconnector
	runCtx           context.Context
	cancelRun        context.CancelFunc
	connCancel       context.CancelFunc

	events chan Event
}

// NewConnManager creates a manager for the given conversation. Passing a nil
// config uses defaults.
func NewConnManager(client *Client, conversationID string, config *ConnConfig) *ConnManager {
	cfg := ConnConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConnManager{
		url:    client.liveURL(conversationID),
		config: &cfg,
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
		events: make(chan Event, 64),
	}
}

// Events returns the single inbound event channel: wire frames and state
// transitions in strict arrival order.
func (m *ConnManager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the current value of the attempt counter.
func (m *ConnManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempt
}

// Connect opens the live channel. It is a no-op when already connecting or
// connected. The first call pins the context that bounds all reconnect
// scheduling for the lifetime of the manager.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.runCtx == nil {
		m.runCtx, m.cancelRun = context.WithCancel(ctx)
	}
	m.state = StateConnecting
	m.intentionalClose = false
	m.mu.Unlock()
	m.emit(Event{Kind: EventState, State: StateConnecting})

	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		m.connectFailed()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server acknowledges the handshake before any other traffic.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		m.connectFailed()
		return fmt.Errorf("read handshake frame: %w", err)
	}
	frame, err := parseFrame(data)
	if err != nil || frame.Kind != FrameConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		m.connectFailed()
		return fmt.Errorf("expected connected frame, got %q", frame.Kind)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.recon.reset()
	connCtx, cancel := context.WithCancel(m.runCtx)
	m.connCancel = cancel
	m.mu.Unlock()

	m.emit(Event{Kind: EventState, State: StateConnected})
	m.emit(Event{Kind: EventFrame, Frame: frame})

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx)

	return nil
}

// Disconnect deliberately closes the channel with a normal close code and
// cancels all timers. Terminal for the session: no reconnect follows.
func (m *ConnManager) Disconnect(reason string) error {
	m.mu.Lock()
	m.intentionalClose = true
	conn := m.conn
	m.conn = nil
	connCancel := m.connCancel
	m.connCancel = nil
	cancelRun := m.cancelRun
	stateChanged := m.state != StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if stateChanged {
		m.emit(Event{Kind: EventState, State: StateDisconnected})
	}
	if cancelRun != nil {
		cancelRun()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, reason)
	}
	return nil
}

// Send transmits an outbound frame when connected; otherwise it returns
// ErrNotConnected without touching the transport.
func (m *ConnManager) Send(ctx context.Context, frame any) error {
	m.mu.Lock()
	conn := m.conn
	st := m.state
	m.mu.Unlock()

	if st != StateConnected || conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("live send: %w", err)
	}
	return nil
}

func (m *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(err)
			return
		}

		frame, perr := parseFrame(data)
		if perr != nil {
			m.config.Logger.Printf("openstall: dropping malformed frame: %v", perr)
			continue
		}
		if frame.Kind == FrameUnknown {
			m.config.Logger.Printf("openstall: dropping unrecognized frame")
			continue
		}
		m.emit(Event{Kind: EventFrame, Frame: frame})
	}
}

// handleClose runs when the transport read fails. The close status decides
// between a clean stop and the reconnect policy.
func (m *ConnManager) handleClose(err error) {
	m.mu.Lock()
	intentional := m.intentionalClose
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	if intentional {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		m.setState(StateDisconnected)
		return
	}
	m.runReconnect()
}

// connectFailed rolls the state back after a failed dial or handshake.
// During a backoff cycle the loop owns the state, so no transient
// disconnected transition is emitted between attempts.
func (m *ConnManager) connectFailed() {
	m.mu.Lock()
	backoff := m.inBackoff
	m.mu.Unlock()
	if !backoff {
		m.setState(StateDisconnected)
	}
}

// runReconnect drives the bounded backoff schedule until a connect succeeds,
// the attempts exhaust, or the manager is torn down.
func (m *ConnManager) runReconnect() {
	m.mu.Lock()
	m.inBackoff = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inBackoff = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.recon.exhausted() {
			m.mu.Unlock()
			m.setState(StateFailed)
			return
		}
		delay := m.recon.nextDelay()
		runCtx := m.runCtx
		m.mu.Unlock()

		m.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := m.Connect(runCtx); err == nil {
			return
		}
	}
}

// heartbeatLoop emits a ping at a fixed interval while connected. Pong
// receipt is not tracked independently; a dead channel surfaces through the
// read loop's close error.
func (m *ConnManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				return
			}
			if err := m.Send(ctx, pingFrame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (m *ConnManager) setState(s ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emit(Event{Kind: EventState, State: s})
}

// emit never blocks past teardown: once the run context is cancelled the
// consumer is gone and events are dropped.
func (m *ConnManager) emit(ev Event) {
	m.mu.Lock()
	runCtx := m.runCtx
	m.mu.Unlock()

	if runCtx == nil {
		select {
		case m.events <- ev:
		default:
		}
		return
	}
	select {
	case m.events <- ev:
	case <-runCtx.Done():
	}
}
