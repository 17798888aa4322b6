package bus

import "time"

// Event kinds used across the module. Subscribers filter by namespace
// prefix, so related kinds share a dotted prefix.
const (
	// Realtime channel events, published by the realtime router.
	KindConnected    = "rt.connected"
	KindDisconnected = "rt.disconnected"
	KindIdentity     = "rt.identity"
	KindPresence     = "rt.presence"
	KindMessage      = "rt.message"
	KindMessageRead  = "rt.read"

	// Conversation store events, published on mutation.
	KindWindowReplaced = "convo.window_replaced"
	KindWindowPrepend  = "convo.window_prepended"
	KindAppended       = "convo.message_appended"
	KindSummaryUpdated = "convo.summary_updated"
	KindUnreadChanged  = "convo.unread_changed"
	KindWindowRead     = "convo.window_read"

	// Connection state machine events.
	KindStatusChanged = "conn.status_changed"

	// Outbox events.
	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
