package openstall

import "context"

// Coordinator presents one logical outbound surface (send a message, mark
// messages read) regardless of whether the live channel is currently
// usable, and normalizes results from the fallback transport into the same
// event shape a live push would have produced.
//
// Connection health is checked at call time, never cached: a send issued the
// instant the channel drops falls back within the same call.
type Coordinator struct {
	conn           *ConnManager
	rest           *Client
	conversationID string
	synth          chan Event
}

// NewCoordinator wires the coordinator to one conversation's live channel
// and the REST fallback.
func NewCoordinator(conn *ConnManager, rest *Client, conversationID string) *Coordinator {
	return &Coordinator{
		conn:           conn,
		rest:           rest,
		conversationID: conversationID,
		synth:          make(chan Event, 16),
	}
}

// Synth returns locally synthesized events: authoritative copies obtained
// through the fallback path, fallback receipts, and per-message failures.
// Consumed by the session dispatch loop alongside the live event channel.
func (co *Coordinator) Synth() <-chan Event {
	return co.synth
}

// SendMessage delivers one optimistic message. Connected: a send_message
// frame, with the eventual new_message push as confirmation. Otherwise the
// REST call runs and its response is synthesized as a new_message event, so
// exactly one authoritative copy reaches the store on either path.
func (co *Coordinator) SendMessage(ctx context.Context, msg Message) {
	if co.conn.State() == StateConnected {
		err := co.conn.Send(ctx, sendMessageFrame{
			Type:     "send_message",
			Content:  msg.Content,
			ClientID: msg.ClientID,
		})
		if err == nil {
			return
		}
		// Channel dropped between the state check and the write; fall
		// through to the request/response path.
	}

	authoritative, err := co.rest.PostMessage(ctx, co.conversationID, msg.Content, msg.ClientID)
	if err != nil {
		co.deliver(ctx, Event{Kind: EventSendFailed, ClientID: msg.ClientID, Err: err})
		return
	}
	if authoritative.ClientID == "" {
		authoritative.ClientID = msg.ClientID
	}
	co.deliver(ctx, Event{Kind: EventFrame, Frame: Frame{Kind: FrameNewMessage, Message: authoritative}})
}

// MarkRead acknowledges the given messages. Connected: one mark_read frame
// and the server's messages_read push closes the loop. Otherwise one REST
// call per id (the API has no batch endpoint); ids acknowledged that way are
// synthesized as a messages_read event so read state converges through the
// single mutation path.
func (co *Coordinator) MarkRead(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if co.conn.State() == StateConnected {
		if co.conn.Send(ctx, markReadFrame{Type: "mark_read", MessageIDs: ids}) == nil {
			return
		}
	}

	var acked []string
	for _, id := range ids {
		if err := co.rest.MarkMessageRead(ctx, id); err != nil {
			continue
		}
		acked = append(acked, id)
	}
	if len(acked) > 0 {
		co.deliver(ctx, Event{Kind: EventFrame, Frame: Frame{Kind: FrameMessagesRead, MessageIDs: acked}})
	}
}

// deliver hands a synthesized event to the session loop, or discards it if
// the session tore down while the fallback call was in flight.
func (co *Coordinator) deliver(ctx context.Context, ev Event) {
	select {
	case co.synth <- ev:
	case <-ctx.Done():
	}
}
