package convo

import (
	"go.uber.org/zap"
)

// AckSender emits read acknowledgements back over the realtime channel.
// Implemented by the realtime manager; faked in tests.
type AckSender interface {
	SendMarkRead(conversationID string) error
}

// Coordinator owns the unread/read-receipt cycle. On every live arrival it
// consults the Active holder for the conversation the user has open right
// now: a match resets the counter and acknowledges the read, anything else
// bumps the counter for the local user.
//
// All bookkeeping silently no-ops until the identity binding has resolved;
// the assignment event may legitimately not have arrived yet.
type Coordinator struct {
	store  *Store
	active *Active
	acks   AckSender
	logger *zap.Logger
}

// NewCoordinator creates a coordinator. acks may be nil, in which case read
// acknowledgements are skipped (counters are still maintained).
func NewCoordinator(store *Store, active *Active, acks AckSender, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, active: active, acks: acks, logger: logger}
}

// OnArrival runs the unread/read-receipt cycle for one live message. The
// open-conversation id is read here, at arrival time, never captured earlier.
func (c *Coordinator) OnArrival(msg Message) {
	local, bound := c.store.LocalID()
	if !bound {
		c.logger.Debug("identity not bound, skipping unread update",
			zap.String("conversation_id", msg.ConversationID))
		return
	}
	if msg.ReceiverID != "" && msg.ReceiverID != local {
		return
	}

	if c.active.Get() == msg.ConversationID {
		c.store.ResetUnread(msg.ConversationID, local)
		c.ack(msg.ConversationID)
		return
	}
	c.store.IncrementUnread(msg.ConversationID, local)
}

// Open records conversationID as the open conversation and, when unread
// messages are pending there, clears them and acknowledges the read. Called
// on the UI's "conversation opened / mark read" intent.
func (c *Coordinator) Open(conversationID string) {
	c.active.Set(conversationID)

	local, bound := c.store.LocalID()
	if !bound {
		return
	}
	if c.store.Unread(conversationID, local) > 0 {
		c.store.ResetUnread(conversationID, local)
		c.ack(conversationID)
	}
}

// Close clears the open conversation, e.g. when the user navigates away.
// The shared connection is unaffected.
func (c *Coordinator) Close() {
	c.active.Set("")
}

func (c *Coordinator) ack(conversationID string) {
	if c.acks == nil {
		return
	}
	if err := c.acks.SendMarkRead(conversationID); err != nil {
		c.logger.Warn("failed to send read acknowledgement",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
