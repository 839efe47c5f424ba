package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/readaloud/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

// ClientMessage is what websocket clients may send.
type ClientMessage struct {
	Action string `json:"action"`
}

// Hub serves the indicator to websocket clients. New clients receive the
// current status; a {"action":"stop"} message triggers the stop action of
// the indicator that is showing.
type Hub struct {
	upgrader websocket.Upgrader
	state    indicator
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
		logger:  logger.With(slog.String("component", "notify-ws")),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, sendBuffer)}
	if data, err := json.Marshal(h.state.snapshot()); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", slog.Int("clients", n))

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) Show(sessionID, title, status string, stop func()) {
	h.broadcast(h.state.show(sessionID, title, status, stop))
}

func (h *Hub) Update(status string) {
	if st, ok := h.state.update(status); ok {
		h.broadcast(st)
	}
}

func (h *Hub) Dismiss() {
	if st, ok := h.state.dismiss(); ok {
		h.broadcast(st)
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
	h.wg.Wait()
}

func (h *Hub) broadcast(st protocol.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		h.logger.Warn("failed to marshal status", slogError(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, dropping status")
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
		h.logger.Debug("websocket client disconnected", slog.Int("clients", n))
	})
}

func (h *Hub) writeLoop(c *hubClient) {
	defer h.wg.Done()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) readLoop(c *hubClient) {
	defer h.wg.Done()
	defer h.drop(c)
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", slogError(err))
			}
			return
		}
		switch msg.Action {
		case "stop":
			if stop := h.state.stopAction(); stop != nil {
				h.logger.Info("stop requested from websocket client")
				go stop()
			}
		default:
			h.logger.Debug("ignoring websocket message", slog.String("action", msg.Action))
		}
	}
}
