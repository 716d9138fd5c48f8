// Package realtime fans out messages to WebSocket subscribers grouped by channel.
// Broadcasts never block: a subscriber whose buffer is full is disconnected.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lifebank/services/orders/internal/metrics"
	"go.uber.org/zap"
)

// OrdersChannel carries order status updates
const OrdersChannel = "orders"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message is what subscribers receive
type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload"`
}

// Subscription is one subscriber's feed
type Subscription struct {
	channel string
	send    chan []byte
	hub     *Hub
	once    sync.Once
}

// C returns encoded messages; it is closed when the subscription ends
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Close removes the subscription from the hub
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub tracks subscribers per channel
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Subscription]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Subscribe registers a new subscriber on channel
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		channel: channel,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
	}

	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Subscription]struct{})
	}
	h.channels[channel][sub] = struct{}{}
	h.mu.Unlock()

	metrics.RealtimeSubscribers.Inc()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.channels[sub.channel], sub)
		h.mu.Unlock()

		close(sub.send)
		metrics.RealtimeSubscribers.Dec()
	})
}

// Subscribers returns the number of subscribers on channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Broadcast sends one message to every current subscriber of channel
func (h *Hub) Broadcast(channel, messageType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: messageType, Channel: channel, Payload: payload})
	if err != nil {
		h.log.Error("Failed to encode broadcast", zap.String("type", messageType), zap.Error(err))
		return
	}

	var slow []*Subscription

	h.mu.RLock()
	for sub := range h.channels[channel] {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn("Dropping slow subscriber", zap.String("channel", channel))
		sub.Close()
	}
}

// ServeWS upgrades the request and streams channel messages until the client goes away
func (h *Hub) ServeWS(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		sub := h.Subscribe(channel)
		h.log.Info("Subscriber connected", zap.String("channel", channel), zap.String("remote", r.RemoteAddr))

		go h.readPump(conn, sub)
		h.writePump(conn, sub)
	}
}

// readPump discards client frames and ends the subscription when the client disconnects
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
