package api

import (
	"context"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/history"
	"github.com/parley-im/parley/internal/outbox"
	"github.com/parley-im/parley/internal/status"
)

// Client is the embedding surface for a UI layer: ordered message windows,
// summary rows with unread counts, and the user intents (open, load more,
// send, mark read). The UI holds exactly one Client; the realtime connection
// behind it is process-wide and never owned by a single conversation view.
type Client struct {
	store   *convo.Store
	fetcher *history.Fetcher
	coord   *convo.Coordinator
	sender  *outbox.Sender
	machine *status.Machine
	bus     *bus.Bus
}

// NewClient assembles the facade.
func NewClient(store *convo.Store, fetcher *history.Fetcher, coord *convo.Coordinator, sender *outbox.Sender, machine *status.Machine, b *bus.Bus) *Client {
	return &Client{
		store:   store,
		fetcher: fetcher,
		coord:   coord,
		sender:  sender,
		machine: machine,
		bus:     b,
	}
}

// ConnectionState reports the realtime connection state, so the UI can show
// a reconnecting indicator.
func (c *Client) ConnectionState() status.State {
	return c.machine.Current()
}

// Summaries returns the conversation list, most recently active first.
func (c *Client) Summaries() []convo.Summary {
	return c.store.Summaries()
}

// Window returns the materialized message window for a conversation.
func (c *Client) Window(conversationID string) (convo.Window, bool) {
	return c.store.WindowSnapshot(conversationID)
}

// OpenConversation marks a conversation as the one on screen, clears its
// unread counter, and loads its initial page if no window is held yet.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	c.coord.Open(conversationID)

	if w, ok := c.store.WindowSnapshot(conversationID); ok && w.Loaded {
		return nil
	}
	err := c.fetcher.FetchPage(ctx, conversationID, "")
	if err == history.ErrFetchInFlight {
		return nil
	}
	return err
}

// CloseConversation clears the open-conversation signal, e.g. on navigation.
// In-flight page fetches for the conversation complete and are kept; only
// the read-receipt behavior changes.
func (c *Client) CloseConversation() {
	c.coord.Close()
}

// LoadOlder fetches the page preceding the current window head. Returns
// history.ErrFetchInFlight when a fetch for this conversation is already
// pending, and nil without fetching when the backlog is exhausted.
func (c *Client) LoadOlder(ctx context.Context, conversationID string) error {
	w, ok := c.store.WindowSnapshot(conversationID)
	if !ok || !w.Loaded {
		return c.fetcher.FetchPage(ctx, conversationID, "")
	}
	if !w.HasMore || len(w.Messages) == 0 {
		return nil
	}
	return c.fetcher.FetchPage(ctx, conversationID, w.Messages[0].ID)
}

// SendText queues a text message for delivery and returns its client id.
// Delivery happens asynchronously once the connection allows it.
func (c *Client) SendText(conversationID, receiverID, body string) (string, error) {
	return c.sender.Queue(conversationID, receiverID, body)
}

// Updates subscribes the UI to change notifications. namespace follows bus
// semantics ("convo." for store changes, "conn." for connection state).
// The returned function unsubscribes.
func (c *Client) Updates(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}
