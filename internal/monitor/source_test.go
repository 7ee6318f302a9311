// Tests for the session sources: selection (username filtering,
// transport-state priority), poll-and-retry behavior, and notification
// resolution.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"tools.zach/dev/plexcord/internal/plex"
)

func TestSelectSession_Priority(t *testing.T) {
	sessions := []plex.Session{
		{Title: "A", State: plex.StatePaused, Username: "alice"},
		{Title: "B", State: plex.StatePlaying, Username: "alice"},
	}

	got := selectSession(sessions, "alice")
	if got == nil {
		t.Fatal("expected a session")
	}
	if got.Title != "B" {
		t.Fatalf("selected %q, want the playing session", got.Title)
	}
}

func TestSelectSession_BufferingBeatsPaused(t *testing.T) {
	sessions := []plex.Session{
		{Title: "A", State: plex.StatePaused, Username: "alice"},
		{Title: "B", State: plex.StateBuffering, Username: "alice"},
	}

	got := selectSession(sessions, "alice")
	if got == nil || got.Title != "B" {
		t.Fatalf("selected %v, want the buffering session", got)
	}
}

func TestSelectSession_TiesBrokenByResponseOrder(t *testing.T) {
	sessions := []plex.Session{
		{Title: "first", State: plex.StatePlaying, Username: "alice"},
		{Title: "second", State: plex.StatePlaying, Username: "alice"},
	}

	got := selectSession(sessions, "alice")
	if got == nil || got.Title != "first" {
		t.Fatalf("selected %v, want the first playing session", got)
	}
}

func TestSelectSession_FiltersByUsername(t *testing.T) {
	sessions := []plex.Session{
		{Title: "theirs", State: plex.StatePlaying, Username: "bob"},
		{Title: "ours", State: plex.StatePaused, Username: "alice"},
	}

	got := selectSession(sessions, "alice")
	if got == nil || got.Title != "ours" {
		t.Fatalf("selected %v, want alice's session despite lower priority", got)
	}
}

func TestSelectSession_NoMatchIsIdle(t *testing.T) {
	sessions := []plex.Session{
		{Title: "theirs", State: plex.StatePlaying, Username: "bob"},
	}

	if got := selectSession(sessions, "alice"); got != nil {
		t.Fatalf("expected nil for no matching user, got %v", got)
	}
}

func TestSelectSession_EmptyList(t *testing.T) {
	if got := selectSession(nil, "alice"); got != nil {
		t.Fatalf("expected nil for empty session list, got %v", got)
	}
}

func TestSelectSession_ReturnsCopy(t *testing.T) {
	sessions := []plex.Session{
		{Title: "A", State: plex.StatePlaying, Username: "alice"},
	}

	got := selectSession(sessions, "alice")
	got.Title = "mutated"
	if sessions[0].Title != "A" {
		t.Fatal("selectSession must not alias the input slice")
	}
}

// ///////////////////////////////////////////////
// Polling Source
// ///////////////////////////////////////////////

const pollSessionsBody = `{
	"MediaContainer": {
		"size": 2,
		"Metadata": [
			{"sessionKey": "8", "ratingKey": "200", "type": "movie", "title": "Theirs", "Player": {"state": "playing"}, "User": {"title": "bob"}},
			{"sessionKey": "7", "ratingKey": "123", "type": "movie", "title": "Heat", "duration": 10200000, "viewOffset": 5000, "Player": {"state": "paused"}, "User": {"title": "alice"}}
		]
	}
}`

func newPollingFixture(t *testing.T, handler http.HandlerFunc) *PollingSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := plex.NewClient(srv.URL, "tok3n")
	src := NewPollingSource(client, "alice", 5*time.Millisecond, discardLogger())
	t.Cleanup(src.Close)
	return src
}

func TestPollingSource_Next(t *testing.T) {
	src := newPollingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/sessions" {
			t.Errorf("path = %q, want /status/sessions", r.URL.Path)
		}
		w.Write([]byte(pollSessionsBody))
	})

	s, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s == nil || s.Title != "Heat" {
		t.Fatalf("selected %v, want alice's session", s)
	}
	if s.Username != "alice" || s.State != plex.StatePaused {
		t.Errorf("session = %q/%q, want alice/paused", s.Username, s.State)
	}
}

func TestPollingSource_IdleWhenNothingPlaying(t *testing.T) {
	src := newPollingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"MediaContainer":{"size":0}}`))
	})

	s, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s != nil {
		t.Fatalf("expected idle marker, got %v", s)
	}
}

func TestPollingSource_RetriesAfterFetchError(t *testing.T) {
	// The first poll returns an unparseable body; the source must log and
	// retry on the following tick instead of surfacing the error.
	var calls atomic.Int32
	src := newPollingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("not json"))
			return
		}
		w.Write([]byte(pollSessionsBody))
	})

	s, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s == nil || s.Title != "Heat" {
		t.Fatalf("selected %v, want session from the retried poll", s)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want at least 2", calls.Load())
	}
}

func TestPollingSource_AuthRejected(t *testing.T) {
	src := newPollingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := src.Next(context.Background())
	if !errors.Is(err, plex.ErrAuthRejected) {
		t.Fatalf("Next returned %v, want ErrAuthRejected", err)
	}
}

func TestPollingSource_ContextCancelled(t *testing.T) {
	src := newPollingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"MediaContainer":{"size":0}}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next returned %v, want context.Canceled", err)
	}
}

// ///////////////////////////////////////////////
// Subscription Source
// ///////////////////////////////////////////////

const subscriptionMetadataBody = `{
	"MediaContainer": {
		"size": 1,
		"Metadata": [
			{"ratingKey": "123", "type": "movie", "title": "Heat", "duration": 10200000, "thumb": "/library/metadata/123/thumb/1"}
		]
	}
}`

func stateNotification(ratingKey, state string, offsetMS int64) string {
	return fmt.Sprintf(
		`{"NotificationContainer":{"type":"playing","PlaySessionStateNotification":[`+
			`{"sessionKey":"7","ratingKey":"%s","state":"%s","viewOffset":%d}]}}`,
		ratingKey, state, offsetMS)
}

// newSubscriptionFixture serves the notification websocket and the metadata
// endpoint from one test server. Rating key 123 resolves; everything else is
// a 404. The returned counter tracks metadata fetches.
func newSubscriptionFixture(t *testing.T, serve func(*websocket.Conn)) (*SubscriptionSource, *atomic.Int32) {
	t.Helper()

	var metadataCalls atomic.Int32
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/:/websockets/notifications", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
		// Hold the connection so the listener does not redial and replay.
		conn.ReadMessage()
	})
	mux.HandleFunc("/library/metadata/", func(w http.ResponseWriter, r *http.Request) {
		metadataCalls.Add(1)
		if strings.HasSuffix(r.URL.Path, "/123") {
			w.Write([]byte(subscriptionMetadataBody))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := plex.NewClient(srv.URL, "tok3n")
	listener := plex.NewNotificationListener(srv.URL, "tok3n", time.Millisecond, 10*time.Millisecond, discardLogger())
	return NewSubscriptionSource(client, listener, "alice", discardLogger()), &metadataCalls
}

func TestSubscriptionSource_ResolvesNotification(t *testing.T) {
	src, _ := newSubscriptionFixture(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(stateNotification("123", "playing", 5000)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s == nil || s.Title != "Heat" {
		t.Fatalf("resolved %v, want metadata for key 123", s)
	}
	// Live fields come from the notification, identity from the metadata.
	if s.SessionKey != "7" {
		t.Errorf("session key = %q, want 7", s.SessionKey)
	}
	if s.State != plex.StatePlaying || s.ViewOffsetMS != 5000 {
		t.Errorf("state/offset = %q/%d, want playing/5000", s.State, s.ViewOffsetMS)
	}
	if s.Username != "alice" {
		t.Errorf("username = %q, want the configured account", s.Username)
	}
}

func TestSubscriptionSource_StoppedIsIdleWithoutFetch(t *testing.T) {
	src, metadataCalls := newSubscriptionFixture(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(stateNotification("123", "stopped", 0)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s != nil {
		t.Fatalf("expected idle marker for stopped, got %v", s)
	}
	if n := metadataCalls.Load(); n != 0 {
		t.Fatalf("metadata fetched %d times for a stopped notification, want 0", n)
	}
}

func TestSubscriptionSource_DropsUnresolvableKey(t *testing.T) {
	src, metadataCalls := newSubscriptionFixture(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(stateNotification("999", "playing", 0)))
		conn.WriteMessage(websocket.TextMessage, []byte(stateNotification("123", "playing", 5000)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The 404-resolving notification is dropped; Next keeps waiting and
	// returns the next resolvable one.
	s, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s == nil || s.Title != "Heat" {
		t.Fatalf("resolved %v, want the session after the dropped key", s)
	}
	if n := metadataCalls.Load(); n < 2 {
		t.Fatalf("metadata calls = %d, want both keys attempted", n)
	}
}
