package watch

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is handled by the surrounding HTTP server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub maintains the websocket clients of one seller or buyer process and
// broadcasts every Notifier event to them. Slow clients are dropped rather
// than allowed to back-pressure the domain.
type Hub struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		log:        logger.Named("ws"),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
	}
}

// Run pumps registrations and broadcasts until events closes. Call it with
// the channel returned by Notifier.Subscribe.
func (h *Hub) Run(events <-chan Event) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				h.log.Errorw("ws_marshal_failed", "err", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the connection and runs the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}
	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		id:   conn.RemoteAddr().String(),
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump only watches for close; the feed is one-directional.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
