package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
)

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSessions(t *testing.T, h *Hub, user string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Sessions(user) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions for %s, got %d", want, user, h.Sessions(user))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliverIsScopedToUser(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	alice := dial(t, srv, "u1")
	bob := dial(t, srv, "u2")
	waitSessions(t, h, "u1", 1)
	waitSessions(t, h, "u2", 1)

	h.Deliver(events.Event{Name: events.DeviceUpdated, UserID: "u1", Payload: map[string]any{"device_id": "dev-1"}})

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := alice.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != events.DeviceUpdated || got.UserID != "u1" || got.At.IsZero() {
		t.Fatalf("unexpected event %+v", got)
	}

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatalf("u2 must not receive u1's events")
	}
}

func TestClosedSessionsAreRemoved(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "u1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "u1")
	waitSessions(t, h, "u1", 1)
	_ = conn.Close()
	waitSessions(t, h, "u1", 0)

	// Delivering to a user without sessions is a no-op.
	h.Deliver(events.Event{Name: events.Notification, UserID: "u1"})
}

func TestHubCloseEndsSessions(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "u1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "u1")
	waitSessions(t, h, "u1", 1)
	h.Close()
	if h.Sessions("u1") != 0 {
		t.Fatalf("expected no sessions after close")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
