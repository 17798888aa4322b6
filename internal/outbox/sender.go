package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/cache"
	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/realtime"
	"github.com/parley-im/parley/internal/status"
	"go.uber.org/zap"
)

// MessageSender submits messages over the realtime channel. Implemented by
// the realtime manager; faked in tests.
type MessageSender interface {
	SendMessage(out realtime.OutboundMessage) error
}

// Sender drains the durable outbox through the realtime channel. Messages
// queue while offline and flow once the connection is up, so a send intent
// from the UI never depends on the connection state at the moment of typing.
type Sender struct {
	db      *cache.DB
	sender  MessageSender
	machine *status.Machine
	store   *convo.Store
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *cache.DB, sender MessageSender, machine *status.Machine, store *convo.Store, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{db: db, sender: sender, machine: machine, store: store, bus: b, logger: logger}
}

// Queue enqueues a text message and returns its client message id.
func (s *Sender) Queue(conversationID, receiverID, body string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, receiverID, body); err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.machine.Current() != status.Connected {
				continue
			}
			s.processPending()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending() {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		err := s.sender.SendMessage(realtime.OutboundMessage{
			ClientMsgID:    entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			ReceiverID:     entry.ReceiverID,
			Body:           entry.Body,
			Type:           "text",
		})
		if err != nil {
			s.logger.Warn("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.publish(bus.KindSendFailed, entry.ClientMsgID)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		// Optimistic local copy: show the message immediately instead of
		// waiting for the server echo. The echo dedupes by id.
		now := time.Now().UnixMilli()
		localID, _ := s.store.LocalID()
		s.store.AppendLive(convo.Message{
			ID:             entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			SenderID:       localID,
			ReceiverID:     entry.ReceiverID,
			Body:           entry.Body,
			Type:           "text",
			CreatedAt:      now,
		})
		s.store.PatchSummary(entry.ConversationID, entry.Body, "text", now)

		s.publish(bus.KindSendAck, entry.ClientMsgID)
	}
}

func (s *Sender) publish(kind, clientMsgID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: clientMsgID})
}
