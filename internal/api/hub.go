package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/logging"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/session"
)

// Event channels a WebSocket client can subscribe to.
const (
	ChannelMessageReceived = "message.received"
	ChannelStateChanged    = "session.state_changed"
)

// MessageEvent is the payload broadcast on ChannelMessageReceived.
type MessageEvent struct {
	SessionID string `json:"sessionId"`
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	QoS       byte   `json:"qos"`
	Retained  bool   `json:"retained"`
	Timestamp string `json:"timestamp"`
}

// event is one broadcast before it is encoded. Topic is empty for
// session state events.
type event struct {
	channel   string
	sessionID string
	topic     string
	payload   any
}

// wsLimits are the connection timings derived from config.WebSocketConfig.
type wsLimits struct {
	readLimit int64
	pingEvery time.Duration
	pongWait  time.Duration
}

func newWSLimits(cfg config.WebSocketConfig) wsLimits {
	l := wsLimits{
		readLimit: int64(cfg.MaxMessageSize),
		pingEvery: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
	}
	if l.readLimit <= 0 {
		l.readLimit = 8192
	}
	if l.pingEvery <= 0 {
		l.pingEvery = 30 * time.Second
	}
	if l.pongWait <= 0 {
		l.pongWait = 10 * time.Second
	}
	return l
}

// readDeadline is how long a client may stay silent before it is dropped.
func (l wsLimits) readDeadline() time.Duration { return l.pingEvery + l.pongWait }

// Hub fans session events out to WebSocket clients. It is the session
// observer for the API, so every inbound message and state transition of
// every session passes through it.
type Hub struct {
	limits wsLimits
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	dropped atomic.Uint64
}

var _ session.Observer = (*Hub)(nil)

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		limits:  newWSLimits(cfg),
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

// Unregister removes a client and stops its writer. Calling it twice is
// harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.logger.Debug("websocket client disconnected", "clients", n, "subject", c.subject)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded because a client's
// outbound buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// MessageReceived relays an inbound MQTT message.
func (h *Hub) MessageReceived(sessionID string, msg mqtt.Message) {
	h.broadcast(event{
		channel:   ChannelMessageReceived,
		sessionID: sessionID,
		topic:     msg.Topic(),
		payload: MessageEvent{
			SessionID: sessionID,
			Topic:     msg.Topic(),
			Payload:   msg.PayloadString(),
			QoS:       msg.QoS(),
			Retained:  msg.Retained(),
			Timestamp: msg.Timestamp().UTC().Format(time.RFC3339Nano),
		},
	})
}

// StateChanged relays a session state transition.
func (h *Hub) StateChanged(status session.Status) {
	h.broadcast(event{
		channel:   ChannelStateChanged,
		sessionID: status.SessionID,
		payload:   status,
	})
}

// broadcast encodes ev once and queues it on every interested client.
// The client set is copied first so no client lock is taken under h.mu.
func (h *Hub) broadcast(ev event) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var data []byte
	sent := 0
	for _, c := range clients {
		if !c.wants(ev) {
			continue
		}
		if data == nil {
			var err error
			data, err = json.Marshal(WSMessage{
				Type:      WSTypeEvent,
				EventType: ev.channel,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Payload:   ev.payload,
			})
			if err != nil {
				h.logger.Error("failed to encode websocket event", "channel", ev.channel, "error", err)
				return
			}
		}
		switch c.enqueue(data) {
		case queued:
			sent++
		case bufferFull:
			h.dropped.Add(1)
		}
	}
	if sent > 0 {
		h.logger.Debug("event broadcast", "channel", ev.channel, "session_id", ev.sessionID, "recipients", sent)
	}
}
