package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/realtime"
	"go.uber.org/zap"
)

// PageSize is the fixed page size of the history API.
const PageSize = 50

// ErrFetchInFlight is returned when a page fetch for the same conversation
// is still pending. Running two at once would risk duplicate prepends, so
// the second request is rejected; retrying after the first settles is up to
// the caller.
var ErrFetchInFlight = errors.New("history fetch already in flight for conversation")

// Fetcher pulls pages of a conversation's backlog over the paginated history
// API and merges them into the store: the first page replaces the window,
// older pages prepend. It is the only component that blocks on network I/O,
// and it runs on the caller's goroutine, never on the event-delivery path.
type Fetcher struct {
	base   string
	tokens realtime.TokenProvider
	store  *convo.Store
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a fetcher against the given API base URL.
func NewFetcher(base string, tokens realtime.TokenProvider, store *convo.Store, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		base:     base,
		tokens:   tokens,
		store:    store,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	CreatedAt      int64  `json:"created_at"`
	IsRead         bool   `json:"is_read"`
}

type pageResponse struct {
	Messages []wireMessage `json:"messages"`
	// HasMore is the server's explicit cursor when it supplies one. When
	// absent, a full page is taken to mean more may exist; that heuristic
	// over-fetches once when the backlog is an exact multiple of the page
	// size.
	HasMore *bool `json:"has_more"`
}

// FetchPage loads one page for a conversation. An empty beforeID is the
// initial load and replaces the window; otherwise the page of messages older
// than beforeID is prepended. At most one fetch per conversation runs at a
// time. On failure the window keeps whatever it held and the window is
// flagged failed; a cancelled fetch is discarded without the failure flag.
func (f *Fetcher) FetchPage(ctx context.Context, conversationID, beforeID string) error {
	if conversationID == "" {
		return errors.New("conversation id required")
	}

	f.mu.Lock()
	if _, busy := f.inflight[conversationID]; busy {
		f.mu.Unlock()
		return ErrFetchInFlight
	}
	f.inflight[conversationID] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inflight, conversationID)
		f.mu.Unlock()
	}()

	loadMore := beforeID != ""
	f.store.SetLoading(conversationID, loadMore)

	msgs, hasMore, err := f.getPage(ctx, conversationID, beforeID)
	if err != nil {
		if ctx.Err() != nil {
			f.store.ClearLoading(conversationID)
			return ctx.Err()
		}
		f.logger.Warn("history fetch failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		f.store.MarkLoadFailed(conversationID)
		return err
	}

	if loadMore {
		f.store.PrependWindow(conversationID, msgs, hasMore)
	} else {
		f.store.ReplaceWindow(conversationID, msgs, hasMore)
	}
	return nil
}

func (f *Fetcher) getPage(ctx context.Context, conversationID, beforeID string) ([]convo.Message, bool, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("credential: %w", err)
	}

	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("limit", strconv.Itoa(PageSize))
	if beforeID != "" {
		q.Set("before", beforeID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("history request: status %d", resp.StatusCode)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, false, fmt.Errorf("decode history page: %w", err)
	}

	msgs := make([]convo.Message, 0, len(page.Messages))
	for _, w := range page.Messages {
		msgType := w.Type
		if msgType == "" {
			msgType = "text"
		}
		msgs = append(msgs, convo.Message{
			ID:             w.ID,
			ConversationID: conversationID,
			SenderID:       w.SenderID,
			ReceiverID:     w.ReceiverID,
			Body:           w.Body,
			Type:           msgType,
			CreatedAt:      w.CreatedAt,
			IsRead:         w.IsRead,
		})
	}

	hasMore := len(msgs) == PageSize
	if page.HasMore != nil {
		hasMore = *page.HasMore
	}
	return msgs, hasMore, nil
}
