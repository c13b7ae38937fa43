package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/session"
	"github.com/onnwee/chat-relay/youtubeapi"
)

func TestEntryStreamSSE(t *testing.T) {
	mux, bc := newTestMux(t, liveFeed(), 5)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/alice/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	// The subscription registers asynchronously relative to this client, so
	// keep publishing until the stream delivers.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				bc.Publish(session.Entry{Owner: "alice", Author: "bob", Message: "hello", Platform: session.Platform})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(10*time.Second, func() { _ = resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e session.Entry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("decode SSE payload: %v", err)
		}
		if e.Owner != "alice" || e.Author != "bob" || e.Message != "hello" {
			t.Errorf("unexpected entry: %+v", e)
		}
		return
	}
	t.Fatal("stream closed before any entry was delivered")
}

func TestEntryStreamIsolatesOwners(t *testing.T) {
	mux, bc := newTestMux(t, liveFeed(), 5)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/alice/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				// Foreign entries first, then alice's own.
				bc.Publish(session.Entry{Owner: "mallory", Message: "secret"})
				bc.Publish(session.Entry{Owner: "alice", Message: "mine"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(10*time.Second, func() { _ = resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e session.Entry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("decode SSE payload: %v", err)
		}
		if e.Owner != "alice" {
			t.Fatalf("received foreign owner's entry: %+v", e)
		}
		if e.Message == "mine" {
			return
		}
	}
	t.Fatal("stream closed before alice's entry was delivered")
}

func TestEntryStreamEndToEnd(t *testing.T) {
	// Full path: session poll loop -> relay callback -> broadcaster -> SSE.
	feed := liveFeed()
	feed.fetch = func(ctx context.Context, creds youtubeapi.Credentials, liveChatID, pageToken string) (*youtubeapi.Page, error) {
		return &youtubeapi.Page{
			Items:             []youtubeapi.ChatItem{{AuthorName: "carol", Text: "live message", PublishedAt: time.Now().UTC()}},
			NextPageToken:     "next",
			SuggestedInterval: 10 * time.Millisecond,
		}, nil
	}
	mux, _ := newTestMux(t, feed, 5)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/alice/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rec, err := http.Post(srv.URL+"/sessions", "application/json", strings.NewReader(`{"owner":"alice","video_id":"vid1"}`))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	_ = rec.Body.Close()
	if rec.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d, want 201", rec.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(10*time.Second, func() { _ = resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e session.Entry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("decode SSE payload: %v", err)
		}
		if e.Owner != "alice" || e.Author != "carol" || e.Message != "live message" || e.Platform != session.Platform {
			t.Errorf("unexpected entry: %+v", e)
		}
		if e.ID == "" {
			t.Error("entry should carry a generated id")
		}
		return
	}
	t.Fatal("stream closed before any entry was delivered")
}
