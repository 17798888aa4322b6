package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/realtime"
)

func tokens() realtime.TokenProvider {
	return realtime.TokenFunc(func(context.Context) (string, error) { return "tok", nil })
}

func wire(id string, ts int64) wireMessage {
	return wireMessage{ID: id, SenderID: "peer", Body: "b-" + id, CreatedAt: ts}
}

func servePage(t *testing.T, w http.ResponseWriter, msgs []wireMessage, hasMore *bool) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pageResponse{Messages: msgs, HasMore: hasMore}); err != nil {
		t.Error(err)
	}
}

func TestInitialLoadReplacesWindow(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		calls++
		if calls == 1 {
			servePage(t, w, []wireMessage{wire("a", 100), wire("b", 200)}, nil)
			return
		}
		servePage(t, w, []wireMessage{wire("x", 300)}, nil)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	// Second initial load must replace, not merge.
	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}

	w, ok := store.WindowSnapshot("c1")
	if !ok || len(w.Messages) != 1 || w.Messages[0].ID != "x" {
		t.Errorf("window = %+v ok=%v, want only x", w.Messages, ok)
	}
}

func TestHasMoreHeuristic(t *testing.T) {
	full := make([]wireMessage, PageSize)
	for i := range full {
		full[i] = wire(fmt.Sprintf("m%d", i), int64(i)*10)
	}
	partial := full[:30]

	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		if count == 1 {
			servePage(t, w, full, nil)
			return
		}
		servePage(t, w, partial, nil)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	if w, _ := store.WindowSnapshot("c1"); !w.HasMore {
		t.Error("full page should imply hasMore")
	}

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	if w, _ := store.WindowSnapshot("c1"); w.HasMore {
		t.Error("short page should imply no more")
	}
}

func TestExplicitHasMoreWins(t *testing.T) {
	no := false
	full := make([]wireMessage, PageSize)
	for i := range full {
		full[i] = wire(fmt.Sprintf("m%d", i), int64(i)*10)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A full page, but the server says the backlog ends here.
		servePage(t, w, full, &no)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	if w, _ := store.WindowSnapshot("c1"); w.HasMore {
		t.Error("explicit has_more=false must override the page-size heuristic")
	}
}

func TestLoadMorePrepends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("before") == "" {
			servePage(t, w, []wireMessage{wire("m3", 300), wire("m4", 400)}, nil)
			return
		}
		if got := r.URL.Query().Get("before"); got != "m3" {
			t.Errorf("before = %q, want m3", got)
		}
		servePage(t, w, []wireMessage{wire("m1", 100), wire("m2", 200)}, nil)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	if err := f.FetchPage(context.Background(), "c1", "m3"); err != nil {
		t.Fatal(err)
	}

	w, _ := store.WindowSnapshot("c1")
	if len(w.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(w.Messages))
	}
	if w.Messages[0].ID != "m1" || w.Messages[3].ID != "m4" {
		t.Errorf("order: %v", w.Messages)
	}
}

func TestConcurrentFetchRejected(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		servePage(t, w, nil, nil)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	done := make(chan error, 1)
	go func() { done <- f.FetchPage(context.Background(), "c1", "") }()

	// Wait until the first fetch is pinned inside the handler.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := f.FetchPage(context.Background(), "c1", "x")
		if errors.Is(err, ErrFetchInFlight) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second fetch was never rejected")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A different conversation is not blocked by c1's fetch.
	if err := f.FetchPage(context.Background(), "c2", ""); errors.Is(err, ErrFetchInFlight) {
		t.Error("in-flight guard must be per conversation")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestFetchFailureKeepsWindow(t *testing.T) {
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		servePage(t, w, []wireMessage{wire("m1", 100)}, nil)
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	if err := f.FetchPage(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}

	fail = true
	if err := f.FetchPage(context.Background(), "c1", "m1"); err == nil {
		t.Fatal("expected fetch error")
	}

	w, _ := store.WindowSnapshot("c1")
	if len(w.Messages) != 1 {
		t.Error("failure must not discard loaded history")
	}
	if !w.LoadFailed || w.LoadingMore {
		t.Errorf("flags: failed=%v loading=%v", w.LoadFailed, w.LoadingMore)
	}

	// User-initiated retry succeeds and clears the failure marker.
	fail = false
	if err := f.FetchPage(context.Background(), "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	w, _ = store.WindowSnapshot("c1")
	if w.LoadFailed {
		t.Error("failure marker should clear on successful retry")
	}
}

func TestCancelledFetchDiscarded(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := convo.NewStore(nil, nil)
	store.ReplaceWindow("c1", []convo.Message{{ID: "m1", ConversationID: "c1", CreatedAt: 100}}, true)
	f := NewFetcher(srv.URL, tokens(), store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.FetchPage(ctx, "c1", "m1") }()
	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	w, _ := store.WindowSnapshot("c1")
	if w.LoadFailed {
		t.Error("cancellation is not a failure")
	}
	if w.LoadingMore {
		t.Error("loading flag must reset after cancellation")
	}
	if len(w.Messages) != 1 {
		t.Error("window must be untouched")
	}
}
