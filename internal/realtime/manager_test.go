package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/status"
)

var upgrader = websocket.Upgrader{}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func staticToken(calls *atomic.Int64) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return "tok", nil
	})
}

func fastRetry() Option {
	return WithRetryPolicy(time.Millisecond, 3*time.Millisecond, 5)
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestConnectDeliversEvents(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env, _ := NewEnvelope(EventIdentity, IdentityPayload{UserID: "u1"})
		_ = ws.WriteJSON(env)
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := bus.New()
	machine := status.NewMachine(b)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	m := NewManager(wsURL(srv), staticToken(nil), machine, NewRouter(b, nil), b, nil, fastRetry())
	m.Connect(context.Background())
	defer m.Disconnect()

	waitState(t, machine, status.Connected)
	if gotAuth.Load() != "Bearer tok" {
		t.Errorf("authorization header = %v", gotAuth.Load())
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindIdentity {
				if evt.Payload != "u1" {
					t.Errorf("identity payload = %v", evt.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatal("identity event never arrived")
		}
	}
}

func TestRetriesCappedAndTokenFreshPerAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	var calls atomic.Int64
	machine := status.NewMachine(nil)
	b := bus.New()

	m := NewManager(wsURL(srv), staticToken(&calls), machine, NewRouter(b, nil), b, nil, fastRetry())
	m.Connect(context.Background())

	waitState(t, machine, status.Failed)

	// Initial dial plus exactly five retries, each with a fresh token.
	if got := calls.Load(); got != 6 {
		t.Errorf("token calls = %d, want 6", got)
	}

	// The loop has ceased: no further attempts after exhaustion.
	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != before {
		t.Error("attempts continued after exhaustion")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var upgrades atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := upgrades.Add(1)
		if n == 1 {
			_ = ws.Close() // drop the first connection immediately
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	machine := status.NewMachine(nil)
	b := bus.New()
	m := NewManager(wsURL(srv), staticToken(nil), machine, NewRouter(b, nil), b, nil, fastRetry())
	m.Connect(context.Background())
	defer m.Disconnect()

	waitState(t, machine, status.Connected)
	deadline := time.Now().Add(3 * time.Second)
	for upgrades.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if upgrades.Load() < 2 {
		t.Fatal("no reconnect after drop")
	}
	waitState(t, machine, status.Connected)
}

func TestDisconnectStopsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	machine := status.NewMachine(nil)
	b := bus.New()
	m := NewManager(wsURL(srv), staticToken(nil), machine, NewRouter(b, nil), b, nil, fastRetry())
	m.Connect(context.Background())
	waitState(t, machine, status.Connected)

	m.Disconnect()
	waitState(t, machine, status.Disconnected)

	if err := m.Send(EventMarkRead, ReadReceipt{ConversationID: "c1"}); err != ErrNotConnected {
		t.Errorf("send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestAdoptRejectsConnAfterCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := bus.New()
	machine := status.NewMachine(b)
	m := NewManager(wsURL(srv), staticToken(nil), machine, NewRouter(b, nil), b, nil, fastRetry())

	// A teardown can land in the gap between the handshake completing and
	// the dialed connection being installed; the stale connection must be
	// discarded, not adopted.
	conn, err := m.dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if m.adopt(ctx, conn) {
		t.Fatal("adopted connection under a cancelled context")
	}
	if err := conn.Send("ping", nil); err != ErrConnClosed {
		t.Errorf("send on discarded conn = %v, want ErrConnClosed", err)
	}
	if err := m.Send("ping", nil); err != ErrNotConnected {
		t.Errorf("manager send = %v, want ErrNotConnected", err)
	}
}

func TestSendMarkRead(t *testing.T) {
	frames := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var env Envelope
		if err := ws.ReadJSON(&env); err == nil {
			frames <- env
		}
	}))
	defer srv.Close()

	machine := status.NewMachine(nil)
	b := bus.New()
	m := NewManager(wsURL(srv), staticToken(nil), machine, NewRouter(b, nil), b, nil, fastRetry())
	m.Connect(context.Background())
	defer m.Disconnect()
	waitState(t, machine, status.Connected)

	if err := m.SendMarkRead("C1"); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-frames:
		if env.Event != EventMarkRead {
			t.Errorf("event = %q, want %q", env.Event, EventMarkRead)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("mark-as-read never reached the server")
	}
}
