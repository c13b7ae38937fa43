package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/youtubeapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

// stubFeed lets tests script broadcast resolution and chat fetches.
type stubFeed struct {
	resolve func(ctx context.Context, creds youtubeapi.Credentials, videoID string) (*youtubeapi.BroadcastHandle, error)
	fetch   func(ctx context.Context, creds youtubeapi.Credentials, liveChatID, pageToken string) (*youtubeapi.Page, error)
}

func (f *stubFeed) ResolveBroadcast(ctx context.Context, creds youtubeapi.Credentials, videoID string) (*youtubeapi.BroadcastHandle, error) {
	return f.resolve(ctx, creds, videoID)
}

func (f *stubFeed) FetchEntries(ctx context.Context, creds youtubeapi.Credentials, liveChatID, pageToken string) (*youtubeapi.Page, error) {
	return f.fetch(ctx, creds, liveChatID, pageToken)
}

func liveFeed() *stubFeed {
	return &stubFeed{
		resolve: func(ctx context.Context, creds youtubeapi.Credentials, videoID string) (*youtubeapi.BroadcastHandle, error) {
			return &youtubeapi.BroadcastHandle{VideoID: videoID, LiveChatID: "chat-" + videoID}, nil
		},
		fetch: func(ctx context.Context, creds youtubeapi.Credentials, liveChatID, pageToken string) (*youtubeapi.Page, error) {
			// Park the poll loop so tests control timing.
			return &youtubeapi.Page{SuggestedInterval: time.Hour}, nil
		},
	}
}

// memTokens is an in-memory TokenSource seeded with credentials.
type memTokens struct {
	access, refresh, scope string
	expiry                 time.Time
}

func (m *memTokens) Get(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return m.access, m.refresh, m.expiry, m.scope, nil
}

func (m *memTokens) Upsert(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	m.access, m.refresh, m.expiry, m.scope = access, refresh, expiry, scope
	return nil
}

func newTestMux(t *testing.T, feed session.FeedClient, maxSessions int) (http.Handler, *relay.Broadcaster) {
	t.Helper()
	cfg := session.Config{
		MaxSessions:         maxSessions,
		ErrorThreshold:      5,
		DefaultPollInterval: 5 * time.Millisecond,
		BackoffMultiplier:   2,
	}
	reg := session.NewRegistry(context.Background(), cfg, feed)
	t.Cleanup(reg.Close)
	bc := relay.NewBroadcaster()
	t.Cleanup(bc.Close)
	tokens := &memTokens{access: "access", refresh: "refresh", expiry: time.Now().Add(time.Hour)}
	return NewMux(context.Background(), nil, reg, bc, tokens), bc
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycleHTTP(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 5)

	rec := doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"vid1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: got %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"owner":"alice"`) {
		t.Errorf("start response missing owner: %s", rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/sessions/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"video_id":"vid1"`) {
		t.Errorf("detail response missing video id: %s", rec.Body.String())
	}

	// Second start for the same owner is rejected.
	rec = doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"vid2"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate start: got %d, want 409", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alice") {
		t.Errorf("list: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodDelete, "/sessions/alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop: got %d, want 204", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/sessions/alice", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("detail after stop: got %d, want 404", rec.Code)
	}

	// Stopping again stays a no-op.
	rec = doJSON(t, mux, http.MethodDelete, "/sessions/alice", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("idempotent stop: got %d, want 204", rec.Code)
	}
}

func TestStartSessionValidation(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 5)

	for _, body := range []string{"", "{", `{"owner":"","video_id":"v"}`, `{"owner":"o","video_id":""}`} {
		rec := doJSON(t, mux, http.MethodPost, "/sessions", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: got %d, want 400", body, rec.Code)
		}
	}
}

func TestStartSessionNotLive(t *testing.T) {
	feed := liveFeed()
	feed.resolve = func(ctx context.Context, creds youtubeapi.Credentials, videoID string) (*youtubeapi.BroadcastHandle, error) {
		return nil, youtubeapi.ErrNotFound
	}
	mux, _ := newTestMux(t, feed, 5)

	rec := doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"gone"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rec.Code)
	}
}

func TestStartSessionCapacity(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 1)

	rec := doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"vid1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first start: got %d, want 201", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"bob","video_id":"vid2"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over capacity: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("over-capacity response should carry Retry-After")
	}
}

func TestStartSessionWithoutCredentials(t *testing.T) {
	cfg := session.Config{MaxSessions: 5, ErrorThreshold: 5, DefaultPollInterval: 5 * time.Millisecond, BackoffMultiplier: 2}
	reg := session.NewRegistry(context.Background(), cfg, liveFeed())
	t.Cleanup(reg.Close)
	bc := relay.NewBroadcaster()
	t.Cleanup(bc.Close)
	mux := NewMux(context.Background(), nil, reg, bc, &memTokens{})

	rec := doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"vid1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 5)

	rec := doJSON(t, mux, http.MethodPost, "/sessions", `{"owner":"alice","video_id":"vid1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"active_sessions":1`) || !strings.Contains(body, "max_sessions") {
		t.Errorf("status body missing fields: %s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 5)

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight: got %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight response missing CORS headers")
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	mux, _ := newTestMux(t, liveFeed(), 5)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}

	// A missing header gets a generated id.
	rec = doJSON(t, mux, http.MethodGet, "/sessions", "")
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("server should generate a correlation id when absent")
	}
}
