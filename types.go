package openstall

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the Openstall API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Messaging Types
// ============================================================================

// DeliveryState tracks the local lifecycle of a message.
// Wire messages are always confirmed; only locally originated messages
// pass through pending.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Attachment is a file attached to a message. Attachment storage belongs to
// the marketplace backend; only the reference travels with the message.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// Message is a single conversation message.
//
// ID is assigned by the server once the message is persisted; an optimistic,
// not-yet-acknowledged local message carries an empty ID and a ClientID.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	IsRead         bool         `json:"is_read"`
	ReadAt         *time.Time   `json:"read_at,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	// ClientID is issued locally when the message is sent and echoed back by
	// the API where supported. It pairs an optimistic entry with its
	// authoritative copy.
	ClientID string `json:"client_id,omitempty"`

	// Delivery is local-only state, never sent on the wire.
	Delivery DeliveryState `json:"-"`
}

// Confirmed reports whether the message has a durable server identity.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Participant identifies one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Conversation is a two-party marketplace conversation, optionally attached
// to a listing.
type Conversation struct {
	ID           string      `json:"id"`
	ParticipantA Participant `json:"participant_a"`
	ParticipantB Participant `json:"participant_b"`
	ListingID    string      `json:"listing_id,omitempty"`
	UnreadCount  int         `json:"unread_count,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// Other returns the participant that is not the viewer.
func (c *Conversation) Other(viewerID string) Participant {
	if c.ParticipantA.ID == viewerID {
		return c.ParticipantB
	}
	return c.ParticipantA
}
