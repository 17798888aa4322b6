package convo

import (
	"context"

	"github.com/parley-im/parley/internal/bus"
	"go.uber.org/zap"
)

// Engine consumes the realtime router's rt.* events and applies them to the
// store on a single goroutine. Together with the store's own locking this
// gives the serialized-mutation discipline: live arrivals, presence updates
// and identity assignments are all applied in arrival order, off the
// connection's delivery path.
type Engine struct {
	store  *Store
	coord  *Coordinator
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates an engine.
func NewEngine(store *Store, coord *Coordinator, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, coord: coord, bus: b, logger: logger}
}

// Start subscribes to realtime events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindIdentity:
		userID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		e.store.BindIdentity(userID)
		e.logger.Info("identity bound", zap.String("user_id", userID))

	case bus.KindPresence:
		ids, ok := evt.Payload.([]string)
		if !ok {
			return
		}
		e.store.ReplaceOnline(ids)

	case bus.KindMessage:
		msg, ok := evt.Payload.(Message)
		if !ok {
			return
		}
		e.store.PatchSummary(msg.ConversationID, preview(msg), msg.Type, msg.CreatedAt)
		e.store.AppendLive(msg)
		e.coord.OnArrival(msg)

	case bus.KindMessageRead:
		conversationID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if local, bound := e.store.LocalID(); bound {
			e.store.MarkWindowRead(conversationID, local)
		}
	}
}

// preview derives the summary's last-message text. File messages show their
// type instead of the raw reference.
func preview(msg Message) string {
	if msg.Type != "" && msg.Type != "text" {
		return msg.Type
	}
	if r := []rune(msg.Body); len(r) > 100 {
		return string(r[:100])
	}
	return msg.Body
}
