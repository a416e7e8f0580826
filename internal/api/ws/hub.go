package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // kiosks and dashboards are served from other origins
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	tenant models.TenantID
}

type message struct {
	tenant models.TenantID
	data   []byte
}

// Hub maintains active WebSocket clients and broadcasts activity events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop until ctx is done. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "tenant", client.tenant)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				h.drop(client)
			}
			h.mu.Unlock()
			slog.Debug("ws client disconnected")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if client.tenant != msg.tenant {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if h.clients[client] {
						h.drop(client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// drop removes a registered client. Callers hold the write lock.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	observability.WSConnections.Dec()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastEvent queues a recognition event for clients of its tenant.
// The event is dropped when the broadcast buffer is full.
func (h *Hub) BroadcastEvent(ev models.RecognitionEvent) {
	data, err := json.Marshal(dto.WSEvent{Type: dto.WSEventType(ev), TenantID: ev.TenantID, Data: ev})
	if err != nil {
		slog.Error("marshal ws event", "error", err)
		return
	}
	select {
	case h.broadcast <- message{tenant: ev.TenantID, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, event dropped", "tenant", ev.TenantID)
	}
}

// PublishEvent lets the hub stand in for the events stream when NATS is not configured.
func (h *Hub) PublishEvent(_ context.Context, ev models.RecognitionEvent) error {
	h.BroadcastEvent(ev)
	return nil
}

// HandleWS handles WebSocket upgrade requests. A client subscribes to exactly
// one tenant, named by the tenant_id query parameter or the X-Tenant-ID header;
// browsers cannot set headers on the upgrade, hence the query form.
func (h *Hub) HandleWS(c *gin.Context) {
	tenant := models.TenantID(c.Query("tenant_id"))
	if tenant == "" {
		tenant = models.TenantID(c.GetHeader("X-Tenant-ID"))
	}
	if err := tenant.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 64),
		tenant: tenant,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		// incoming messages are ignored; the read only detects disconnection
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
