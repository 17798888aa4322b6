package convo

import (
	"sort"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/bus"
	"go.uber.org/zap"
)

// Store is the authoritative in-memory conversation model: per-conversation
// message windows, summary rows and unread counters. It is the single writer
// of that state; the realtime engine and the history fetcher only propose
// mutations through its methods. Every mutation is serialized behind one
// mutex, so a fetch completion and a live arrival for the same conversation
// can never interleave: live appends only touch the tail, pagination only
// touches the head.
//
// Mutations keyed by an unknown conversation id no-op instead of failing;
// summaries routinely arrive before a window is ever opened.
type Store struct {
	mu        sync.Mutex
	windows   map[string]*window
	summaries map[string]*Summary
	online    map[string]struct{}
	localID   string

	bus    *bus.Bus
	logger *zap.Logger
}

type window struct {
	msgs        []Message
	seen        map[string]struct{}
	hasMore     bool
	loadingMore bool
	loaded      bool
	loadFailed  bool
}

// NewStore creates an empty store. The bus may be nil in tests.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		windows:   make(map[string]*window),
		summaries: make(map[string]*Summary),
		online:    make(map[string]struct{}),
		bus:       b,
		logger:    logger,
	}
}

// BindIdentity records the internal user id assigned on this connection.
// Idempotent; a repeated assignment wins over the previous one.
func (s *Store) BindIdentity(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localID != "" && s.localID != userID {
		s.logger.Warn("identity rebound", zap.String("old", s.localID), zap.String("new", userID))
	}
	s.localID = userID
}

// LocalID returns the bound internal user id. ok is false until the
// identity-assignment event has been processed; unread bookkeeping is a
// no-op until then.
func (s *Store) LocalID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID, s.localID != ""
}

// ReplaceOnline replaces the online-users set wholesale and refreshes the
// Online flag on every summary's peer.
func (s *Store) ReplaceOnline(userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		s.online[id] = struct{}{}
	}
	for _, sum := range s.summaries {
		_, on := s.online[sum.Peer.ID]
		sum.Peer.Online = on
	}
}

// IsOnline reports whether the given user is in the online set.
func (s *Store) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// UpsertSummary inserts or replaces a summary row. Used when warming from
// the local cache and when the backend's conversation list is fetched.
func (s *Store) UpsertSummary(sum Summary) {
	s.mu.Lock()
	if sum.Unread == nil {
		sum.Unread = make(map[string]int)
	}
	_, on := s.online[sum.Peer.ID]
	sum.Peer.Online = on
	cp := copySummary(&sum)
	s.summaries[sum.ConversationID] = &cp
	out := copySummary(&cp)
	s.mu.Unlock()

	s.publish(bus.KindSummaryUpdated, &out)
}

// PatchSummary updates the last-message fields of a summary without touching
// the message window. The row is created on first contact so that a brand-new
// conversation shows up in the list as soon as its first message arrives.
func (s *Store) PatchSummary(conversationID, lastMessage, lastMessageType string, updatedAt int64) {
	s.mu.Lock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		sum = &Summary{
			ConversationID: conversationID,
			Unread:         make(map[string]int),
		}
		s.summaries[conversationID] = sum
	}
	sum.LastMessage = lastMessage
	sum.LastMessageType = lastMessageType
	sum.UpdatedAt = updatedAt
	out := copySummary(sum)
	s.mu.Unlock()

	s.publish(bus.KindSummaryUpdated, &out)
}

// IncrementUnread adds one to the user's unread counter for a conversation.
// Returns the new count. Unknown conversations no-op and return 0.
func (s *Store) IncrementUnread(conversationID, userID string) int {
	s.mu.Lock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	sum.Unread[userID]++
	count := sum.Unread[userID]
	s.mu.Unlock()

	s.publish(bus.KindUnreadChanged, UnreadChange{
		ConversationID: conversationID,
		UserID:         userID,
		Count:          count,
	})
	return count
}

// ResetUnread zeroes the user's unread counter for a conversation.
func (s *Store) ResetUnread(conversationID, userID string) {
	s.mu.Lock()
	sum, ok := s.summaries[conversationID]
	if !ok || sum.Unread[userID] == 0 {
		s.mu.Unlock()
		return
	}
	sum.Unread[userID] = 0
	s.mu.Unlock()

	s.publish(bus.KindUnreadChanged, UnreadChange{
		ConversationID: conversationID,
		UserID:         userID,
		Count:          0,
	})
}

// Unread returns the user's unread count for a conversation.
func (s *Store) Unread(conversationID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		return 0
	}
	return sum.Unread[userID]
}

// ReplaceWindow installs the initial page for a conversation, discarding
// whatever window was held before. Messages are normalized to ascending
// createdAt order.
func (s *Store) ReplaceWindow(conversationID string, msgs []Message, hasMore bool) {
	sorted := sortedCopy(msgs)

	s.mu.Lock()
	w := &window{
		msgs:    sorted,
		seen:    make(map[string]struct{}, len(sorted)),
		hasMore: hasMore,
		loaded:  true,
	}
	for _, m := range sorted {
		w.seen[m.ID] = struct{}{}
	}
	s.windows[conversationID] = w
	s.mu.Unlock()

	s.publish(bus.KindWindowReplaced, conversationID)
}

// PrependWindow merges a page of strictly older messages at the head of an
// existing window. Messages already present are dropped, so replaying the
// same page is harmless. Prepending to a conversation with no loaded window
// is a no-op.
func (s *Store) PrependWindow(conversationID string, older []Message, hasMore bool) {
	sorted := sortedCopy(older)

	s.mu.Lock()
	w, ok := s.windows[conversationID]
	if !ok || !w.loaded {
		s.mu.Unlock()
		return
	}
	fresh := sorted[:0]
	for _, m := range sorted {
		if _, dup := w.seen[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) > 0 {
		merged := make([]Message, 0, len(fresh)+len(w.msgs))
		merged = append(merged, fresh...)
		merged = append(merged, w.msgs...)
		w.msgs = merged
		for _, m := range fresh {
			w.seen[m.ID] = struct{}{}
		}
	}
	w.hasMore = hasMore
	w.loadingMore = false
	w.loadFailed = false
	s.mu.Unlock()

	s.publish(bus.KindWindowPrepend, conversationID)
}

// AppendLive appends a live arrival at the tail of its conversation's window.
// Live messages are assumed newer than any paginated history, so no timestamp
// comparison happens across the two sources. Duplicates by id are dropped
// (the transport is at-least-once). A conversation whose window was never
// loaded keeps an empty window; only its summary changes.
func (s *Store) AppendLive(msg Message) bool {
	s.mu.Lock()
	w, ok := s.windows[msg.ConversationID]
	if !ok || !w.loaded {
		s.mu.Unlock()
		return false
	}
	if _, dup := w.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	w.msgs = append(w.msgs, msg)
	w.seen[msg.ID] = struct{}{}
	s.mu.Unlock()

	s.publish(bus.KindAppended, msg)
	return true
}

// MarkWindowRead flips IsRead on every window message sent by senderID.
// Called when the counterpart acknowledges reading the conversation. The
// event fires even when no window is loaded, since cached copies of the
// conversation still need the receipt applied.
func (s *Store) MarkWindowRead(conversationID, senderID string) {
	s.mu.Lock()
	if w, ok := s.windows[conversationID]; ok {
		for i := range w.msgs {
			if w.msgs[i].SenderID == senderID {
				w.msgs[i].IsRead = true
			}
		}
	}
	s.mu.Unlock()

	s.publish(bus.KindWindowRead, WindowRead{ConversationID: conversationID, SenderID: senderID})
}

// SetLoading flags a fetch in progress. For pagination (more=true) the flag
// sits on an existing window; for an initial load a placeholder window is
// created so the UI can render a spinner.
func (s *Store) SetLoading(conversationID string, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	if !ok {
		if more {
			return
		}
		w = &window{seen: make(map[string]struct{})}
		s.windows[conversationID] = w
	}
	w.loadingMore = more
	w.loadFailed = false
}

// ClearLoading resets the loading flags without recording a failure. Used
// when a fetch is cancelled and its result discarded.
func (s *Store) ClearLoading(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[conversationID]; ok {
		w.loadingMore = false
	}
}

// MarkLoadFailed records a fetch failure. The existing window is left
// untouched; retrying is up to the user.
func (s *Store) MarkLoadFailed(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[conversationID]; ok {
		w.loadingMore = false
		w.loadFailed = true
	}
}

// WindowSnapshot returns a copy of the conversation's window. ok is false
// when no window exists (loaded or placeholder) for the id.
func (s *Store) WindowSnapshot(conversationID string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	if !ok {
		return Window{}, false
	}
	out := Window{
		Messages:    make([]Message, len(w.msgs)),
		HasMore:     w.hasMore,
		LoadingMore: w.loadingMore,
		Loaded:      w.loaded,
		LoadFailed:  w.loadFailed,
	}
	copy(out.Messages, w.msgs)
	return out, true
}

// SummarySnapshot returns a copy of one summary row.
func (s *Store) SummarySnapshot(conversationID string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[conversationID]
	if !ok {
		return Summary{}, false
	}
	return copySummary(sum), true
}

// Summaries returns copies of all summary rows, most recently updated first.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, copySummary(sum))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func copySummary(sum *Summary) Summary {
	cp := *sum
	cp.Unread = make(map[string]int, len(sum.Unread))
	for k, v := range sum.Unread {
		cp.Unread[k] = v
	}
	return cp
}

func sortedCopy(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
