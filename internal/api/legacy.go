package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// Legacy actions accepted by POST /api/mqtt.
const (
	legacyActionPublish   = "publish"
	legacyActionSubscribe = "subscribe"
)

// legacyRequest is the body of POST /api/mqtt. Message may be a JSON string
// or any other JSON value, which is published in its JSON encoding.
type legacyRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
	Action  string          `json:"action"`
}

// legacyPublishData echoes what was sent.
type legacyPublishData struct {
	Topic     string `json:"topic"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"clientId"`
	Device    string `json:"device"`
	Command   string `json:"command"`
	MessageID uint16 `json:"messageId"`
}

// legacyStatus is the status object of GET /api/mqtt.
type legacyStatus struct {
	Connected     bool     `json:"connected"`
	Broker        string   `json:"broker"`
	Port          int      `json:"port"`
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
	Topic         string   `json:"topic"`
	Device        string   `json:"device"`
	Timestamp     string   `json:"timestamp"`
}

func writeLegacyFailure(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]any{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}

// handleLegacyCommand publishes or subscribes on the default target.
func (s *Server) handleLegacyCommand(w http.ResponseWriter, r *http.Request) {
	var req legacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeLegacyFailure(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if req.Topic == "" {
		writeLegacyFailure(w, http.StatusBadRequest, "Topic is required", nil)
		return
	}
	if req.Action == "" {
		req.Action = legacyActionPublish
	}

	switch req.Action {
	case legacyActionPublish:
		message := legacyMessageText(req.Message)
		ack, err := s.publish(r, config.DefaultTarget, req.Topic, []byte(message), s.defaultQoS, false)
		if err != nil {
			s.writeLegacyError(w, err)
			return
		}
		st, _ := s.sessions.Status(config.DefaultTarget) //nolint:errcheck // default target always exists after a publish
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Message sent to " + req.Topic,
			"data": legacyPublishData{
				Topic:     req.Topic,
				Message:   message,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				ClientID:  st.ClientID,
				Device:    topic.FirstLevel(req.Topic),
				Command:   legacyCommand(message),
				MessageID: ack.MessageID,
			},
		})

	case legacyActionSubscribe:
		if err := s.subscribe(r, config.DefaultTarget, req.Topic, s.defaultQoS); err != nil {
			s.writeLegacyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Subscribed to " + req.Topic,
			"data":    map[string]any{"success": true, "topic": req.Topic},
		})

	default:
		writeLegacyFailure(w, http.StatusBadRequest, "Invalid action", nil)
	}
}

// writeLegacyError keeps 4xx for caller mistakes and reports everything
// else the way the old endpoint did.
func (s *Server) writeLegacyError(w http.ResponseWriter, err error) {
	status, _ := classifyError(err)
	if status == http.StatusBadRequest {
		writeLegacyFailure(w, status, "Invalid MQTT request", err)
		return
	}
	writeLegacyFailure(w, http.StatusInternalServerError, "Failed to process MQTT request", err)
}

// handleLegacyStatus reports the default target.
func (s *Server) handleLegacyStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.sessions.Status(config.DefaultTarget)
	if err != nil {
		writeLegacyFailure(w, http.StatusInternalServerError, "Failed to get MQTT status", err)
		return
	}

	host, port := splitBrokerURL(st.Broker)
	var topics mqtt.Topics
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status": legacyStatus{
			Connected:     st.Connected,
			Broker:        host,
			Port:          port,
			ClientID:      st.ClientID,
			Subscriptions: st.Subscriptions,
			Topic:         topics.LEDControl(),
			Device:        topic.FirstLevel(topics.LEDControl()),
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleLegacyDisconnect closes the default session.
func (s *Server) handleLegacyDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.sessions.Disconnect(config.DefaultTarget); err != nil {
		writeLegacyFailure(w, http.StatusInternalServerError, "Failed to disconnect MQTT", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "MQTT client disconnected",
	})
}

// legacyMessageText unwraps a JSON string and keeps any other value as its
// JSON text.
func legacyMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func legacyCommand(message string) string {
	switch message {
	case "ON":
		return "LED_ON"
	case "OFF":
		return "LED_OFF"
	default:
		return "UNKNOWN"
	}
}

// splitBrokerURL returns the host and port of a broker URL such as
// wss://broker.hivemq.com:8884/mqtt.
func splitBrokerURL(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, 0
	}
	port, _ := strconv.Atoi(u.Port()) //nolint:errcheck // 0 when absent
	return u.Hostname(), port
}
