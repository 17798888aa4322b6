package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/cache"
	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/realtime"
	"github.com/parley-im/parley/internal/status"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []realtime.OutboundMessage
	err  error
}

func (f *fakeSender) SendMessage(out realtime.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testDB(t *testing.T) *cache.DB {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func connectedMachine(t *testing.T) *status.Machine {
	t.Helper()
	m := status.NewMachine(nil)
	for _, s := range []status.State{status.Connecting, status.Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueAndDrain(t *testing.T) {
	db := testDB(t)
	fake := &fakeSender{}
	store := convo.NewStore(nil, nil)
	store.BindIdentity("me")
	store.ReplaceWindow("c1", nil, false)

	s := NewSender(db, fake, connectedMachine(t), store, bus.New(), nil)
	id, err := s.Queue("c1", "peer", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty client msg id")
	}

	s.Start(context.Background())
	t.Cleanup(s.Stop)

	waitFor(t, func() bool { return fake.count() == 1 })
	fake.mu.Lock()
	out := fake.sent[0]
	fake.mu.Unlock()
	if out.ConversationID != "c1" || out.Body != "hello" || out.ClientMsgID != id {
		t.Errorf("sent = %+v", out)
	}

	// Drained entry left the queue.
	waitFor(t, func() bool {
		pending, err := db.PendingOutbox()
		return err == nil && len(pending) == 0
	})

	// Optimistic copy landed in the window.
	w, _ := store.WindowSnapshot("c1")
	if len(w.Messages) != 1 || w.Messages[0].SenderID != "me" {
		t.Errorf("window = %+v", w.Messages)
	}
}

func TestSendFailureMarksEntry(t *testing.T) {
	db := testDB(t)
	fake := &fakeSender{err: errors.New("boom")}
	store := convo.NewStore(nil, nil)
	b := bus.New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	s := NewSender(db, fake, connectedMachine(t), store, b, nil)
	if _, err := s.Queue("c1", "peer", "hello"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSendFailed {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure event")
	}
}

func TestNoDrainWhileDisconnected(t *testing.T) {
	db := testDB(t)
	fake := &fakeSender{}
	store := convo.NewStore(nil, nil)

	s := NewSender(db, fake, status.NewMachine(nil), store, bus.New(), nil)
	if _, err := s.Queue("c1", "peer", "hello"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	time.Sleep(700 * time.Millisecond)
	if fake.count() != 0 {
		t.Error("messages must not flow while disconnected")
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Error("entry must stay queued")
	}
}
