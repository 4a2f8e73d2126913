package webserver

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var feedUpgrader = websocket.Upgrader{
	// The service binds loopback only; CORS is enforced one layer up.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed pushes a JSON record to every connected tray UI client whenever a
// queued event is displayed. Clients connect to GET /events/feed.
type Feed struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[*feedConn]struct{}
}

type feedConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newFeed(logger *slog.Logger) *Feed {
	return &Feed{log: logger, conns: map[*feedConn]struct{}{}}
}

// Publish fans v out to every subscriber. Slow or dead connections are
// dropped rather than blocking the publisher.
func (f *Feed) Publish(v any) {
	f.mu.RLock()
	subs := make([]*feedConn, 0, len(f.conns))
	for c := range f.conns {
		subs = append(subs, c)
	}
	f.mu.RUnlock()

	for _, c := range subs {
		if err := c.writeJSON(v); err != nil {
			f.drop(c)
		}
	}
}

// Subscribers returns the current connection count.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

func (f *Feed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Error("event feed upgrade failed", "err", err)
		return
	}
	c := &feedConn{conn: conn}
	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	// Reader loop: clients send nothing meaningful, but reading drives
	// close detection and control frames.
	go func() {
		defer f.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *Feed) drop(c *feedConn) {
	f.mu.Lock()
	_, ok := f.conns[c]
	delete(f.conns, c)
	f.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	conns := make([]*feedConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = map[*feedConn]struct{}{}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (c *feedConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
