package realtime

import "encoding/json"

// Inbound event vocabulary of the realtime channel.
const (
	// EventIdentity binds the signed-in user's auth id to an internal user id.
	EventIdentity = "identity-assignment"
	// EventPresence replaces the online-users set wholesale.
	EventPresence = "presence-list"
	// EventNewMessage delivers a live message.
	EventNewMessage = "new-message"
	// EventMessageRead tells this client the counterpart has read the
	// conversation, so locally sent copies can flip to read.
	EventMessageRead = "message-read"
)

// Outbound event vocabulary.
const (
	// EventMarkRead acknowledges that the viewer has seen a conversation's
	// latest messages.
	EventMarkRead = "mark-as-read"
	// EventSendMessage submits a new message.
	EventSendMessage = "send-message"
)

// Envelope is the wire frame of the realtime channel: an event name plus an
// event-specific JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload for sending.
func NewEnvelope(event string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// IdentityPayload is the identity-assignment payload.
type IdentityPayload struct {
	UserID string `json:"user_id"`
}

// PresenceEntry is one element of the presence-list payload.
type PresenceEntry struct {
	ID string `json:"id"`
}

// WireMessage is the message body carried inside a new-message event.
type WireMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
}

// NewMessagePayload is the new-message payload.
type NewMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	Message        WireMessage `json:"message"`
	// FileType is empty for plain text; otherwise the file kind and Body
	// holds a file reference.
	FileType  string `json:"file_type,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// ReadReceipt is both the mark-as-read payload (outbound) and the
// message-read payload (inbound).
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
}

// OutboundMessage is the send-message payload.
type OutboundMessage struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Body           string `json:"body"`
	Type           string `json:"type"`
}
