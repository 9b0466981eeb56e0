package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// WebSocket frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// WSMessage is one JSON frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects what a client receives. Sessions and Filters
// narrow the channels: an empty list means no restriction. Filters apply to
// message events only.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Sessions []string `json:"sessions,omitempty"`
	Filters  []string `json:"filters,omitempty"`
}

var knownChannels = []string{ChannelMessageReceived, ChannelStateChanged}

type sendResult int

const (
	queued sendResult = iota
	bufferFull
	clientClosed
)

// WSClient is one WebSocket connection and its event selection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
	sessions map[string]struct{}
	filters  []string
	closed   bool

	// From the ticket; nil with auth off.
	claims *auth.CustomClaims
}

func newWSClient(h *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}),
		sessions: make(map[string]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades to a WebSocket. With authentication enabled the
// ticket query parameter from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *auth.CustomClaims
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		var ok bool
		if claims, ok = s.tickets.redeem(ticket); !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	c.claims = claims
	s.hub.Register(c)

	go c.writeLoop()
	go c.readLoop()
}

// wants reports whether ev matches the client's selection. Message events
// outside a scoped token's topics are never sent.
func (c *WSClient) wants(ev event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ev.topic != "" && c.claims != nil && !c.claims.AllowsTopic(ev.topic) {
		return false
	}
	if _, ok := c.channels[ev.channel]; !ok {
		return false
	}
	if len(c.sessions) > 0 {
		if _, ok := c.sessions[ev.sessionID]; !ok {
			return false
		}
	}
	if ev.topic == "" || len(c.filters) == 0 {
		return true
	}
	return slices.ContainsFunc(c.filters, func(f string) bool { return topic.Match(f, ev.topic) })
}

// enqueue hands data to the writer without blocking. A slow client loses
// events rather than stalling the session dispatcher.
func (c *WSClient) enqueue(data []byte) sendResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return clientClosed
	}
	select {
	case c.send <- data:
		return queued
	default:
		return bufferFull
	}
}

// shutdown stops the writer, which then closes the connection.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) subject() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.Subject
}

func (c *WSClient) readLoop() {
	defer c.hub.Unregister(c)

	limits := c.hub.limits
	c.conn.SetReadLimit(limits.readLimit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(limits.readDeadline())) }
	//nolint:errcheck // best effort; a failed deadline surfaces as a read error
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err, "subject", c.subject())
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		//nolint:errcheck // best effort
		extend()
		c.handle(data)
	}
}

func (c *WSClient) writeLoop() {
	limits := c.hub.limits
	ticker := time.NewTicker(limits.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(limits.pongWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is closing anyway
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe:
		sel, err := decodeSelection(msg.Payload)
		if err != nil {
			c.reply(msg.ID, WSTypeError, errorBody(err.Error()))
			return
		}
		if c.claims != nil {
			if i := slices.IndexFunc(sel.Filters, func(f string) bool { return !c.claims.AllowsFilter(f) }); i >= 0 {
				c.reply(msg.ID, WSTypeError, errorBody(fmt.Sprintf("%v: %s", auth.ErrTopicForbidden, sel.Filters[i])))
				return
			}
		}
		c.subscribe(sel)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": sel.Channels})
	case WSTypeUnsubscribe:
		sel, err := decodeSelection(msg.Payload)
		if err != nil {
			c.reply(msg.ID, WSTypeError, errorBody(err.Error()))
			return
		}
		c.unsubscribe(sel.Channels)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sel.Channels})
	default:
		c.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

// decodeSelection re-decodes the generic payload and checks every
// channel name and topic filter.
func decodeSelection(payload any) (WSSubscribePayload, error) {
	var sel WSSubscribePayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return sel, errors.New("invalid payload")
	}
	if err := json.Unmarshal(raw, &sel); err != nil {
		return sel, errors.New("invalid subscription payload")
	}
	if len(sel.Channels) == 0 {
		return sel, errors.New("channels is required")
	}
	for _, ch := range sel.Channels {
		if !slices.Contains(knownChannels, ch) {
			return sel, fmt.Errorf("unknown channel %q", ch)
		}
	}
	for _, f := range sel.Filters {
		if err := topic.ValidateFilter(f); err != nil {
			return sel, err
		}
	}
	return sel, nil
}

// subscribe adds channels and replaces the session and filter selection.
func (c *WSClient) subscribe(sel WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sel.Channels {
		c.channels[ch] = struct{}{}
	}
	clear(c.sessions)
	for _, id := range sel.Sessions {
		c.sessions[id] = struct{}{}
	}
	c.filters = slices.Clone(sel.Filters)
}

func (c *WSClient) unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorBody(msg string) map[string]string { return map[string]string{"message": msg} }
