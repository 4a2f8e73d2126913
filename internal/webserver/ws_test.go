package webserver

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialFeed(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(s.BaseURL())
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws://" + u.Host + "/events/feed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFeedPublish(t *testing.T) {
	s := newRunningServer(t, nil)
	conn := dialFeed(t, s)

	waitFor(t, func() bool { return s.Feed().Subscribers() == 1 })

	s.Feed().Publish(map[string]any{"kind": "notification", "message": "shot approved"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["message"] != "shot approved" {
		t.Fatalf("feed payload = %v", got)
	}
}

func TestFeedDropsClosedConnections(t *testing.T) {
	s := newRunningServer(t, nil)
	conn := dialFeed(t, s)

	waitFor(t, func() bool { return s.Feed().Subscribers() == 1 })

	_ = conn.Close()
	waitFor(t, func() bool { return s.Feed().Subscribers() == 0 })

	// Publishing with no subscribers is a no-op.
	s.Feed().Publish(map[string]any{"kind": "notification"})
}

func TestNotificationReachesFeed(t *testing.T) {
	s := newRunningServer(t, nil)
	conn := dialFeed(t, s)

	waitFor(t, func() bool { return s.Feed().Subscribers() == 1 })

	resp, err := http.Post(s.BaseURL()+"/notification/tray/?message=dailies+at+ten", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["message"] != "dailies at ten" || got["kind"] != "notification" {
		t.Fatalf("feed payload = %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
