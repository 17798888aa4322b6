package realtime

import (
	"encoding/json"
	"time"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/convo"
	"go.uber.org/zap"
)

// Router demultiplexes inbound envelopes into typed bus events. It runs on
// the connection's delivery path, so every branch is decode-and-publish only;
// the store mutations happen in the convo engine, which consumes the bus on
// its own goroutine. A payload that does not decode is logged and dropped
// without affecting the other event kinds.
type Router struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewRouter creates a router publishing onto b.
func NewRouter(b *bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{bus: b, logger: logger}
}

// Handle routes one inbound envelope.
func (r *Router) Handle(env Envelope) {
	switch env.Event {
	case EventIdentity:
		var p IdentityPayload
		if !r.decode(env, &p) {
			return
		}
		r.publish(bus.KindIdentity, p.UserID)

	case EventPresence:
		var entries []PresenceEntry
		if !r.decode(env, &entries) {
			return
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		r.publish(bus.KindPresence, ids)

	case EventNewMessage:
		var p NewMessagePayload
		if !r.decode(env, &p) {
			return
		}
		if p.Message.ID == "" || p.ConversationID == "" {
			r.logger.Warn("new-message missing ids, dropped")
			return
		}
		r.publish(bus.KindMessage, toMessage(p))

	case EventMessageRead:
		var p ReadReceipt
		if !r.decode(env, &p) {
			return
		}
		r.publish(bus.KindMessageRead, p.ConversationID)

	default:
		r.logger.Debug("unknown event ignored", zap.String("event", env.Event))
	}
}

func (r *Router) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		r.logger.Warn("malformed payload dropped",
			zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}

func (r *Router) publish(kind string, payload any) {
	r.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}

func toMessage(p NewMessagePayload) convo.Message {
	msgType := "text"
	if p.FileType != "" {
		msgType = p.FileType
	}
	return convo.Message{
		ID:             p.Message.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.Message.SenderID,
		ReceiverID:     p.Message.ReceiverID,
		Body:           p.Message.Body,
		Type:           msgType,
		CreatedAt:      p.CreatedAt,
	}
}
