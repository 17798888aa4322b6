package cache

import (
	"context"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/convo"
	"go.uber.org/zap"
)

// Mirror persists store mutations into the cache database. It subscribes to
// convo.* mutation events and the identity assignment, and writes behind the
// in-memory store; a failed write is logged, never fatal. Warm restores the
// cached summaries into the store at boot so the conversation list renders
// before the connection is up.
type Mirror struct {
	db     *DB
	store  *convo.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMirror creates a mirror.
func NewMirror(db *DB, store *convo.Store, b *bus.Bus, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{db: db, store: store, bus: b, logger: logger}
}

// Warm loads cached summaries into the store. Unread counters are keyed by
// the identity cached from the previous connection; with no cached identity
// the counters start at zero until the next assignment.
func (m *Mirror) Warm() error {
	localID, err := m.db.GetMeta(MetaLocalUserID)
	if err != nil {
		return err
	}
	convs, err := m.db.ListConversations(0, 0)
	if err != nil {
		return err
	}
	for _, c := range convs {
		sum := convo.Summary{
			ConversationID: c.ID,
			Peer: convo.Peer{
				ID:          c.PeerID,
				DisplayName: c.PeerName,
				AvatarURL:   c.PeerAvatar,
			},
			LastMessage:     c.LastMessage,
			LastMessageType: c.LastMessageType,
			UpdatedAt:       c.UpdatedAt,
			Unread:          make(map[string]int),
		}
		if localID != "" && c.Unread > 0 {
			sum.Unread[localID] = c.Unread
		}
		m.store.UpsertSummary(sum)
	}
	m.logger.Info("cache warmed", zap.Int("conversations", len(convs)))
	return nil
}

// Start subscribes to store mutation events.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	convoCh, unsubConvo := m.bus.Subscribe("convo.", 256)
	rtCh, unsubRT := m.bus.Subscribe(bus.KindIdentity, 16)

	go func() {
		defer unsubConvo()
		defer unsubRT()
		for {
			select {
			case evt := <-convoCh:
				m.handleEvent(evt)
			case evt := <-rtCh:
				if id, ok := evt.Payload.(string); ok {
					if err := m.db.SetMeta(MetaLocalUserID, id); err != nil {
						m.logger.Warn("failed to persist identity", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Mirror) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindAppended:
		msg, ok := evt.Payload.(convo.Message)
		if !ok {
			return
		}
		if err := m.db.UpsertMessage(msg); err != nil {
			m.logger.Warn("failed to mirror message", zap.String("msg_id", msg.ID), zap.Error(err))
		}

	case bus.KindWindowReplaced, bus.KindWindowPrepend:
		conversationID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		w, ok := m.store.WindowSnapshot(conversationID)
		if !ok {
			return
		}
		if err := m.db.UpsertMessages(w.Messages); err != nil {
			m.logger.Warn("failed to mirror window",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}

	case bus.KindSummaryUpdated:
		sum, ok := evt.Payload.(*convo.Summary)
		if !ok {
			return
		}
		unread := 0
		if localID, bound := m.store.LocalID(); bound {
			unread = sum.Unread[localID]
		}
		if err := m.db.UpsertConversation(&Conversation{
			ID:              sum.ConversationID,
			PeerID:          sum.Peer.ID,
			PeerName:        sum.Peer.DisplayName,
			PeerAvatar:      sum.Peer.AvatarURL,
			LastMessage:     sum.LastMessage,
			LastMessageType: sum.LastMessageType,
			Unread:          unread,
			UpdatedAt:       sum.UpdatedAt,
		}); err != nil {
			m.logger.Warn("failed to mirror summary",
				zap.String("conversation_id", sum.ConversationID), zap.Error(err))
		}

	case bus.KindWindowRead:
		wr, ok := evt.Payload.(convo.WindowRead)
		if !ok {
			return
		}
		if err := m.db.MarkMessagesRead(wr.ConversationID, wr.SenderID); err != nil {
			m.logger.Warn("failed to mirror read receipt",
				zap.String("conversation_id", wr.ConversationID), zap.Error(err))
		}

	case bus.KindUnreadChanged:
		change, ok := evt.Payload.(convo.UnreadChange)
		if !ok {
			return
		}
		localID, bound := m.store.LocalID()
		if !bound || change.UserID != localID {
			return
		}
		if err := m.db.SetUnread(change.ConversationID, change.Count); err != nil {
			m.logger.Warn("failed to mirror unread count",
				zap.String("conversation_id", change.ConversationID), zap.Error(err))
		}
	}
}
