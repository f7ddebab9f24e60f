package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientSendBuffer = 16
	writeTimeout     = 5 * time.Second
)

// hub fans capture events out to every connected WebSocket client.
// Slow clients drop messages rather than stalling delivery; the
// acquisition loop must never wait on a browser.
type hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	dropped int
}

var upgrader = websocket.Upgrader{
	// local diagnostic surface, any origin on this host may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", n).Str("remote", conn.RemoteAddr().String()).
		Msg("websocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames; its job is noticing disconnects.
func (h *hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *hub) writePump(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	c.conn.Close()
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	dropped := c.dropped
	h.mu.Unlock()

	if dropped > 0 {
		h.logger.Debug().Int("dropped", dropped).Msg("websocket client was slow")
	}
}

// broadcast marshals v once and offers it to every client, skipping any
// whose buffer is full.
func (h *hub) broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn().Err(err).Msg("marshaling websocket event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			c.dropped++
		}
	}
}

// close disconnects every client and refuses new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
