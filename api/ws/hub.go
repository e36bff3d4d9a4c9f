// Package ws serves job envelopes to websocket clients connected directly to
// this process.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"observatory-jobs/core/models"
	"observatory-jobs/logging"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
)

type client struct {
	conn net.Conn
	site string
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Hub tracks connected clients and implements notifier.Publisher. A client
// subscribes to one site with ?site=, or to every site by leaving it out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  logging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, site: r.URL.Query().Get("site"), send: make(chan []byte, sendBuffer)}
	h.add(c)
	h.logger.Debug(r.Context(), "websocket client connected", "site", c.site, "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)

	// inbound data is ignored; reading keeps control frames flowing
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wsutil.WriteServerText(c.conn, msg); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Publish queues env for every client subscribed to its site. A client whose
// queue is full is disconnected.
func (h *Hub) Publish(ctx context.Context, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.site != "" && c.site != env.Site {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn(ctx, "dropping slow websocket client", "site", c.site)
		h.remove(c)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
