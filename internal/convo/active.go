package convo

import "sync/atomic"

// Active holds the id of the conversation the user currently has open.
// The UI writes it, the unread coordinator reads it at the moment a message
// arrives. Handlers must always go through Get() rather than capturing the
// value at subscription time, otherwise they act on a stale snapshot.
type Active struct {
	v atomic.Value
}

// NewActive creates a holder with no open conversation.
func NewActive() *Active {
	a := &Active{}
	a.v.Store("")
	return a
}

// Set records the currently open conversation. Empty string means none.
func (a *Active) Set(conversationID string) {
	a.v.Store(conversationID)
}

// Get returns the currently open conversation id, or "" when none is open.
func (a *Active) Get() string {
	id, _ := a.v.Load().(string)
	return id
}
