package openstall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// restServer is an in-process request/response endpoint recording the
// fallback traffic the coordinator generates.
type restServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	posted    []Message
	readAcks  []string
	failSends bool
	failReads map[string]bool
	nextID    int
}

func newRESTServer(t *testing.T) (*restServer, *Client) {
	t.Helper()
	rs := &restServer{failReads: make(map[string]bool)}
	rs.srv = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.srv.Close)
	return rs, NewClient("test-token", WithBaseURL(rs.srv.URL))
}

func (rs *restServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/messages"):
		rs.mu.Lock()
		fail := rs.failSends
		rs.nextID++
		id := fmt.Sprintf("msg-%d", rs.nextID)
		rs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(APIError{Code: "upstream_down", Message: "try later"})
			return
		}
		var payload struct {
			Content  string `json:"content"`
			ClientID string `json:"client_id"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		msg := Message{
			ID:             id,
			ConversationID: "conv-001",
			SenderID:       "user-1",
			Content:        payload.Content,
			CreatedAt:      time.Now().UTC(),
			ClientID:       payload.ClientID,
		}
		rs.mu.Lock()
		rs.posted = append(rs.posted, msg)
		rs.mu.Unlock()
		json.NewEncoder(w).Encode(msg)

	case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/read"):
		parts := strings.Split(r.URL.Path, "/")
		id := parts[len(parts)-2]
		rs.mu.Lock()
		fail := rs.failReads[id]
		if !fail {
			rs.readAcks = append(rs.readAcks, id)
		}
		rs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))

	default:
		http.NotFound(w, r)
	}
}

func (rs *restServer) postedCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.posted)
}

func (rs *restServer) acks() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.readAcks...)
}

func waitSynth(t *testing.T, co *Coordinator) Event {
	t.Helper()
	select {
	case ev := <-co.Synth():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for synthesized event")
		return Event{}
	}
}

// ============================================================================
// SendMessage
// ============================================================================

func TestCoordinatorSendFallback(t *testing.T) {
	rs, client := newRESTServer(t)
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	msg := optimisticMsg("c-1", "user-1", "is it available?", time.Now().UTC())
	co.SendMessage(context.Background(), msg)

	if rs.postedCount() != 1 {
		t.Fatalf("expected 1 fallback request, got %d", rs.postedCount())
	}

	ev := waitSynth(t, co)
	if ev.Kind != EventFrame || ev.Frame.Kind != FrameNewMessage {
		t.Fatalf("expected synthesized new_message, got %+v", ev)
	}
	got := ev.Frame.Message
	if got.ID == "" || got.ClientID != "c-1" || got.Content != "is it available?" {
		t.Fatalf("synthesized copy lost identity: %+v", got)
	}
	if got.Delivery != DeliveryConfirmed {
		t.Fatal("fallback copy must arrive confirmed")
	}

	// Exactly one authoritative copy: nothing else is synthesized.
	select {
	case extra := <-co.Synth():
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinatorSendFallbackFailure(t *testing.T) {
	rs, client := newRESTServer(t)
	rs.failSends = true
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	co.SendMessage(context.Background(), optimisticMsg("c-2", "user-1", "hello?", time.Now().UTC()))

	ev := waitSynth(t, co)
	if ev.Kind != EventSendFailed || ev.ClientID != "c-2" || ev.Err == nil {
		t.Fatalf("expected send-failed for c-2, got %+v", ev)
	}
}

func TestCoordinatorSendLive(t *testing.T) {
	ls, liveClient := newLiveServer(t)
	rs, restClient := newRESTServer(t)

	conn := NewConnManager(liveClient, "conv-001", quietConnConfig())
	defer conn.Disconnect("test done")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, conn, StateConnected)

	co := NewCoordinator(conn, restClient, "conv-001")
	co.SendMessage(context.Background(), optimisticMsg("c-3", "user-1", "hi", time.Now().UTC()))

	select {
	case data := <-ls.inbound:
		var got sendMessageFrame
		if err := json.Unmarshal(data, &got); err != nil || got.Type != "send_message" {
			t.Fatalf("expected send_message on the live channel, got %s", data)
		}
		if got.ClientID != "c-3" {
			t.Fatalf("client id lost on the wire: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the live channel")
	}

	if rs.postedCount() != 0 {
		t.Fatal("live delivery must not touch the fallback transport")
	}
}

// ============================================================================
// MarkRead
// ============================================================================

func TestCoordinatorMarkReadFallback(t *testing.T) {
	rs, client := newRESTServer(t)
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	co.MarkRead(context.Background(), []string{"msg-1", "msg-2"})

	// One request per id.
	if got := rs.acks(); !equalIDs(got, []string{"msg-1", "msg-2"}) {
		t.Fatalf("expected per-id fan-out, got %v", got)
	}

	ev := waitSynth(t, co)
	if ev.Frame.Kind != FrameMessagesRead || !equalIDs(ev.Frame.MessageIDs, []string{"msg-1", "msg-2"}) {
		t.Fatalf("expected synthesized messages_read, got %+v", ev)
	}
}

func TestCoordinatorMarkReadPartialFailure(t *testing.T) {
	rs, client := newRESTServer(t)
	rs.failReads["msg-2"] = true
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	co.MarkRead(context.Background(), []string{"msg-1", "msg-2", "msg-3"})

	// Only the ids the backend actually acknowledged are synthesized.
	ev := waitSynth(t, co)
	if !equalIDs(ev.Frame.MessageIDs, []string{"msg-1", "msg-3"}) {
		t.Fatalf("expected the acked subset, got %v", ev.Frame.MessageIDs)
	}
}

func TestCoordinatorMarkReadEmpty(t *testing.T) {
	rs, client := newRESTServer(t)
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	co.MarkRead(context.Background(), nil)
	if len(rs.acks()) != 0 {
		t.Fatal("empty set must produce no traffic")
	}
}

func TestCoordinatorDeliverAfterTeardown(t *testing.T) {
	_, client := newRESTServer(t)
	conn := NewConnManager(client, "conv-001", quietConnConfig())
	co := NewCoordinator(conn, client, "conv-001")

	// Nobody consumes synth and the buffer is full: delivery against a
	// torn-down session discards instead of blocking forever.
	for i := 0; i < cap(co.synth); i++ {
		co.synth <- Event{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		co.deliver(ctx, Event{Kind: EventSendFailed, ClientID: "c-late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked after teardown")
	}
}

func TestCoordinatorMarkReadLive(t *testing.T) {
	ls, liveClient := newLiveServer(t)
	rs, restClient := newRESTServer(t)

	conn := NewConnManager(liveClient, "conv-001", quietConnConfig())
	defer conn.Disconnect("test done")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, conn, StateConnected)

	co := NewCoordinator(conn, restClient, "conv-001")
	co.MarkRead(context.Background(), []string{"msg-1"})

	select {
	case data := <-ls.inbound:
		var got markReadFrame
		if err := json.Unmarshal(data, &got); err != nil || got.Type != "mark_read" {
			t.Fatalf("expected mark_read on the live channel, got %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the live channel")
	}
	if len(rs.acks()) != 0 {
		t.Fatal("live acknowledgement must not touch the fallback transport")
	}
}
