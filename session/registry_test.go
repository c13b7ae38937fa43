package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/youtubeapi"
)

func TestCapacityInvariant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	feed := &stubFeed{}
	r := newTestRegistry(t, cfg, feed)

	if err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := r.StartSession("owner2", "vid2", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("second start: %v", err)
	}
	err := r.StartSession("owner3", "vid3", youtubeapi.Credentials{}, discardEntry)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("third start: got %v, want ErrCapacity", err)
	}
	if got := len(r.ListAll()); got != 2 {
		t.Errorf("ListAll = %d sessions, want 2", got)
	}

	// Freeing a slot admits the rejected owner.
	r.StopSession("owner1")
	if err := r.StartSession("owner3", "vid3", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("start after slot freed: %v", err)
	}
}

func TestCapacityUnderConcurrentStarts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 3
	feed := &stubFeed{
		resolve: func(ctx context.Context, videoID string) (*youtubeapi.BroadcastHandle, error) {
			// Widen the race window between reservation and launch.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			return &youtubeapi.BroadcastHandle{VideoID: videoID, LiveChatID: "chat-" + videoID}, nil
		},
	}
	r := newTestRegistry(t, cfg, feed)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.StartSession(fmt.Sprintf("owner%d", i), fmt.Sprintf("vid%d", i), youtubeapi.Credentials{}, discardEntry)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrCapacity):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if started != 3 {
		t.Errorf("started = %d sessions, want exactly 3", started)
	}
	if got := len(r.ListAll()); got != 3 {
		t.Errorf("ListAll = %d sessions, want 3", got)
	}
}

func TestSingleSessionPerOwner(t *testing.T) {
	feed := &stubFeed{}
	r := newTestRegistry(t, testConfig(), feed)

	if err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("first start: %v", err)
	}
	err := r.StartSession("owner1", "vid-other", youtubeapi.Credentials{}, discardEntry)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second start: got %v, want ErrAlreadyActive", err)
	}
	stats, found := r.GetStats("owner1")
	if !found {
		t.Fatal("original session should still exist")
	}
	if stats.VideoID != "vid1" {
		t.Errorf("video id = %q, want vid1 (original session must not be replaced)", stats.VideoID)
	}
}

func TestStartBroadcastNotLive(t *testing.T) {
	feed := &stubFeed{
		resolve: func(context.Context, string) (*youtubeapi.BroadcastHandle, error) {
			return nil, fmt.Errorf("resolve: %w", youtubeapi.ErrNotFound)
		},
	}
	r := newTestRegistry(t, testConfig(), feed)

	err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry)
	if !errors.Is(err, ErrBroadcastNotLive) {
		t.Fatalf("got %v, want ErrBroadcastNotLive", err)
	}
	if got := len(r.ListAll()); got != 0 {
		t.Errorf("ListAll = %d sessions, want 0 (reservation must be released)", got)
	}
	// The freed slot is immediately reusable.
	feed.resolve = nil
	if err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("start after release: %v", err)
	}
}

func TestCooperativeStop(t *testing.T) {
	feed := &stubFeed{} // default fetch parks the loop for an hour
	r := newTestRegistry(t, testConfig(), feed)

	if err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, time.Second, func() bool { return feed.fetchCalls() == 1 }, "first fetch")

	stopped := time.Now()
	r.StopSession("owner1")
	if elapsed := time.Since(stopped); elapsed > 2*time.Second {
		t.Errorf("stop took %v; the sleep must be interruptible", elapsed)
	}
	if _, found := r.GetStats("owner1"); found {
		t.Error("stats should report found=false after stop")
	}
	time.Sleep(20 * time.Millisecond)
	if n := feed.fetchCalls(); n != 1 {
		t.Errorf("fetch calls = %d after stop, want 1 (no poll after stop)", n)
	}
}

func TestStopSessionIdempotent(t *testing.T) {
	r := newTestRegistry(t, testConfig(), &stubFeed{})
	r.StopSession("ghost") // no-op
	if err := r.StartSession("owner1", "vid1", youtubeapi.Credentials{}, discardEntry); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	r.StopSession("owner1")
	r.StopSession("owner1") // second stop is a no-op
}

func TestListAllSnapshot(t *testing.T) {
	r := newTestRegistry(t, testConfig(), &stubFeed{})
	for _, owner := range []string{"beta", "alpha"} {
		if err := r.StartSession(owner, "vid-"+owner, youtubeapi.Credentials{}, discardEntry); err != nil {
			t.Fatalf("StartSession(%s): %v", owner, err)
		}
	}
	all := r.ListAll()
	if len(all) != 2 {
		t.Fatalf("ListAll = %d, want 2", len(all))
	}
	if all[0].Owner != "alpha" || all[1].Owner != "beta" {
		t.Errorf("ListAll order = [%s %s], want [alpha beta]", all[0].Owner, all[1].Owner)
	}
	for _, st := range all {
		if !st.Active {
			t.Errorf("session %s should be active", st.Owner)
		}
	}
}

func TestCloseStopsEverything(t *testing.T) {
	feed := &stubFeed{}
	r := NewRegistry(context.Background(), testConfig(), feed)
	for i := range 3 {
		if err := r.StartSession(fmt.Sprintf("owner%d", i), fmt.Sprintf("vid%d", i), youtubeapi.Credentials{}, discardEntry); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
	}
	r.Close()
	if got := len(r.ListAll()); got != 0 {
		t.Errorf("ListAll after Close = %d, want 0", got)
	}
}
