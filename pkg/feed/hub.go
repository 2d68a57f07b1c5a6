package feed

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"chatstream/pkg/logger"
)

// Client is one websocket subscriber attached to a conversation feed.
// OnClose, when set, runs once after the connection is torn down.
type Client struct {
	UserID   string
	ConvKey  string
	Send     chan []byte
	Conn     *websocket.Conn
	OnClose  func()
	closedMu sync.Mutex
	closed   bool
}

// closeSend closes the client's send channel exactly once.
func (c *Client) closeSend() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Broadcast is an event addressed to all subscribers of one conversation.
// An empty ConvKey addresses every connected client; presence changes use
// this.
type Broadcast struct {
	ConvKey string
	Event   Event
}

// Hub fans change-feed events out to websocket subscribers, keyed by
// conversation. Slow subscribers are dropped rather than blocking delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // conv key -> clients

	Register   chan *Client
	Unregister chan *Client
	Events     chan Broadcast
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Events:     make(chan Broadcast, 64),
	}
}

// Publish enqueues an event for all subscribers of the conversation.
func (h *Hub) Publish(convKey string, ev Event) {
	h.Events <- Broadcast{ConvKey: convKey, Event: ev}
}

// PublishAll enqueues an event for every connected client.
func (h *Hub) PublishAll(ev Event) {
	h.Events <- Broadcast{Event: ev}
}

// Subscribers returns the number of clients attached to the conversation.
func (h *Hub) Subscribers(convKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[convKey])
}

// Run processes register/unregister/broadcast traffic until the channels are
// closed. It owns the clients map; callers interact only via the channels.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if h.clients[client.ConvKey] == nil {
				h.clients[client.ConvKey] = make(map[*Client]bool)
			}
			h.clients[client.ConvKey][client] = true
			h.mu.Unlock()
			logger.Info("feed_client_registered", "conv", client.ConvKey, "user", client.UserID)

		case client := <-h.Unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ConvKey]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.closeSend()
					if len(clients) == 0 {
						delete(h.clients, client.ConvKey)
					}
				}
			}
			h.mu.Unlock()
			logger.Info("feed_client_unregistered", "conv", client.ConvKey, "user", client.UserID)

		case b := <-h.Events:
			data, err := json.Marshal(b.Event)
			if err != nil {
				logger.Error("feed_event_marshal_failed", "op", string(b.Event.Op), "error", err)
				continue
			}
			h.mu.Lock()
			if b.ConvKey == "" {
				for convKey, clients := range h.clients {
					for client := range clients {
						select {
						case client.Send <- data:
						default:
							delete(clients, client)
							client.closeSend()
							logger.Warn("feed_client_dropped", "conv", convKey, "user", client.UserID)
						}
					}
				}
			} else {
				for client := range h.clients[b.ConvKey] {
					select {
					case client.Send <- data:
					default:
						// subscriber is not draining; drop it
						delete(h.clients[b.ConvKey], client)
						client.closeSend()
						logger.Warn("feed_client_dropped", "conv", b.ConvKey, "user", client.UserID)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeClient attaches a connected websocket to the hub and pumps frames in
// both directions until the peer goes away. Inbound frames are ignored; the
// feed is one-way.
func (h *Hub) ServeClient(c *Client) {
	h.Register <- c

	go func() {
		defer func() {
			h.Unregister <- c
			_ = c.Conn.Close()
			if c.OnClose != nil {
				c.OnClose()
			}
		}()
		for {
			if _, _, err := c.Conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		for data := range c.Send {
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()
}
