package convo

// Message is a single conversation message. Immutable once created; only
// IsRead ever changes, and only from false to true.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	// Body holds the text, or a file reference when Type is not "text".
	Body      string `json:"body"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"` // unix millis
	IsRead    bool   `json:"is_read"`
}

// Peer is the counterpart identity on a two-party conversation.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Online      bool   `json:"online"`
}

// Summary is a conversation list row. Summaries and message windows are
// independently fetchable; a summary may exist long before its window is
// ever opened.
type Summary struct {
	ConversationID  string         `json:"conversation_id"`
	Peer            Peer           `json:"peer"`
	LastMessage     string         `json:"last_message"`
	LastMessageType string         `json:"last_message_type"`
	UpdatedAt       int64          `json:"updated_at"` // unix millis
	Unread          map[string]int `json:"unread"`     // user id -> count
}

// Window is the locally materialized slice of a conversation's messages,
// ordered oldest to newest.
type Window struct {
	Messages    []Message
	HasMore     bool
	LoadingMore bool
	Loaded      bool
	LoadFailed  bool
}

// UnreadChange is the payload for unread counter events.
type UnreadChange struct {
	ConversationID string
	UserID         string
	Count          int
}

// WindowRead is the payload for read-receipt events: every message from
// SenderID in the conversation is now read.
type WindowRead struct {
	ConversationID string
	SenderID       string
}
