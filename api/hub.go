package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds one frame write to a client.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before its
	// connection is considered dead. Pings go out well inside it.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// readLimit bounds inbound frames; clients only ever send control
	// traffic.
	readLimit = 512
)

// hubClient is one connected WebSocket consumer. Frames queue on send;
// the write pump owns the connection. send is never closed, so a
// broadcast racing a disconnect cannot panic; pumps exit via done.
type hubClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// hub fans broadcast frames out to every connected client. A client
// whose send queue is full is dropped rather than allowed to stall the
// stream.
type hub struct {
	sendBuffer int
	logger     *slog.Logger

	// onCount observes the client count after every register and
	// unregister.
	onCount func(int)

	// onSlowDrop fires when a client is dropped for not keeping up.
	onSlowDrop func()

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	wg      sync.WaitGroup
}

func newHub(sendBuffer int, logger *slog.Logger) *hub {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	return &hub{
		sendBuffer: sendBuffer,
		logger:     logger,
		clients:    make(map[*hubClient]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway serves LAN dashboards; origins are not restricted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS upgrades the request and runs the client's pumps.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.register(client)

	h.wg.Add(2)
	go h.writePump(client)
	go h.readPump(client)
}

func (h *hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected", "clients", count)
	if h.onCount != nil {
		h.onCount(count)
	}
}

func (h *hub) unregister(c *hubClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if present {
		h.logger.Info("websocket client disconnected", "clients", count)
		if h.onCount != nil {
			h.onCount(count)
		}
	}
}

// broadcast queues data for every client. Clients whose queue is full
// are dropped so one stalled consumer cannot hold the stream back.
func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow websocket client")
			if h.onSlowDrop != nil {
				h.onSlowDrop()
			}
			h.unregister(c)
		}
	}
}

// clientCount reports the number of connected clients.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client and waits for their pumps.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if h.onCount != nil && len(clients) > 0 {
		h.onCount(0)
	}
	h.wg.Wait()
}

// writePump drains the client's queue onto the connection and keeps it
// alive with pings. It exits when the client is closed.
func (h *hub) writePump(c *hubClient) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to notice pongs and
// closes.
func (h *hub) readPump(c *hubClient) {
	defer h.wg.Done()
	defer h.unregister(c)

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
