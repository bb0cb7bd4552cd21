// Package main provides the WebSocket relay for real-time sync events (desktop only).
package main

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds loopback only; reject anything else that
		// somehow reaches it.
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	},
}

// WSClient is one connected shell window.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub relays bus events to every connected websocket client. The
// shell opens one socket per window and re-dials after a drop; missed
// events are fine because the UI re-reads state over REST on connect.
type WSHub struct {
	bus *events.Broadcaster

	clients    map[string]*WSClient
	register   chan *WSClient
	unregister chan *WSClient

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWSHub creates a hub subscribed to bus and starts its relay loop.
func NewWSHub(bus *events.Broadcaster) *WSHub {
	hub := &WSHub{
		bus:        bus,
		clients:    make(map[string]*WSClient),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// run owns the client map; all membership changes and fanout happen
// on this goroutine.
func (h *WSHub) run() {
	defer close(h.done)

	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	for {
		select {
		case client := <-h.register:
			h.clients[client.id] = client
			logging.Debug("websocket client connected",
				logging.String("client", client.id),
				logging.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			logging.Debug("websocket client disconnected",
				logging.String("client", client.id),
				logging.Int("total", len(h.clients)))

		case event := <-ch:
			payload, err := events.MarshalEvent(event)
			if err != nil {
				logging.Error("marshal websocket event", logging.Err(err))
				continue
			}
			for id, client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Send buffer full: the client stopped reading.
					delete(h.clients, id)
					close(client.send)
				}
			}

		case <-h.stopCh:
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			return
		}
	}
}

// Stop disconnects all clients and ends the relay loop.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// readPump discards inbound frames; the stream is one-way. It exists
// to run the pong handler and to notice the peer going away.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("websocket read ended",
					logging.String("client", c.id), logging.Err(err))
			}
			return
		}
	}
}

// writePump writes queued events and keepalive pings until the send
// channel closes.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades /ws requests and attaches the client to hub.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", logging.Err(err))
			return
		}

		client := &WSClient{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		select {
		case hub.register <- client:
		case <-hub.stopCh:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
