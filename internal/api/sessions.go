package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/session"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// apiConsumerID is the consumer ID under which API subscriptions are
// registered. Subscribing the same filter twice through the API is a no-op.
const apiConsumerID = "api"

// publishRequest is the request body for POST /sessions/{id}/publish.
type publishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	QoS      *byte  `json:"qos,omitempty"`
	Retained bool   `json:"retained"`
}

// subscribeRequest is the request body for POST /sessions/{id}/subscribe
// and /unsubscribe.
type subscribeRequest struct {
	Filter string `json:"filter"`
	QoS    *byte  `json:"qos,omitempty"`
}

// subscriptionView is one entry of GET /sessions/{id}/subscriptions.
type subscriptionView struct {
	Filter    string   `json:"filter"`
	QoS       byte     `json:"qos"`
	Consumers []string `json:"consumers"`
}

// handleListSessions returns the status of every configured target.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessionStatuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleSessionStatus returns one session's status.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListSubscriptions returns the filters registered on a live session.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		if _, err := s.sessions.Status(id); err != nil {
			s.writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": []subscriptionView{}, "count": 0})
		return
	}

	entries := sess.Subscriptions()
	views := make([]subscriptionView, len(entries))
	for i, e := range entries {
		views[i] = subscriptionView{Filter: e.Filter, QoS: e.QoS, Consumers: e.ConsumerIDs()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views, "count": len(views)})
}

// handleConnect opens the session for a target, or returns the live one.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.stats.failures.Add(1)
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// handleDisconnect closes the session for a target.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Disconnect(id); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true, "sessionId": id})
}

// handlePublish publishes one message through a session, connecting it
// first if needed. It returns once the broker acknowledged QoS 1/2 or the
// packet was written for QoS 0.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Topic == "" {
		writeBadRequest(w, "topic is required")
		return
	}
	qos := s.qosOrDefault(req.QoS)

	ack, err := s.publish(r, chi.URLParam(r, "id"), req.Topic, []byte(req.Payload), qos, req.Retained)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  true,
		"messageId": ack.MessageID,
		"qos":       ack.QoS,
	})
}

// handleSubscribe registers a filter for the API consumer. Deliveries update
// the state cache and are relayed over WebSocket.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Filter == "" {
		writeBadRequest(w, "filter is required")
		return
	}

	if err := s.subscribe(r, chi.URLParam(r, "id"), req.Filter, s.qosOrDefault(req.QoS)); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "filter": req.Filter})
}

// handleUnsubscribe removes the API consumer from a filter.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := topic.ValidateFilter(req.Filter); err != nil {
		s.writeSessionError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		if _, err := s.sessions.Status(id); err != nil {
			s.writeSessionError(w, r, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConnected, session.ErrNotConnected.Error())
		return
	}
	if err := sess.Unsubscribe(r.Context(), req.Filter, apiConsumerID); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "filter": req.Filter})
}

// publish resolves the session and publishes through it.
func (s *Server) publish(r *http.Request, id, topicName string, payload []byte, qos byte, retained bool) (session.PublishAck, error) {
	if c := claimsFromContext(r.Context()); c != nil && !c.AllowsTopic(topicName) {
		return session.PublishAck{}, fmt.Errorf("%w: %s", auth.ErrTopicForbidden, topicName)
	}
	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		s.stats.failures.Add(1)
		return session.PublishAck{}, err
	}
	ack, err := sess.Publish(r.Context(), topicName, payload, qos, retained)
	if err != nil {
		s.stats.failures.Add(1)
		s.logger.Warn("publish failed", "session", id, "topic", topicName, "error", err)
		return session.PublishAck{}, err
	}
	s.stats.published.Add(1)
	return ack, nil
}

// subscribe resolves the session and registers the API consumer on filter.
func (s *Server) subscribe(r *http.Request, id, filter string, qos byte) error {
	if err := mqtt.ValidateQoS(qos); err != nil {
		return err
	}
	if c := claimsFromContext(r.Context()); c != nil && !c.AllowsFilter(filter) {
		return fmt.Errorf("%w: %s", auth.ErrTopicForbidden, filter)
	}
	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		s.stats.failures.Add(1)
		return err
	}
	err = sess.Subscribe(r.Context(), filter, qos, topic.Consumer{
		ID: apiConsumerID,
		Handle: func(mqtt.Message) {
			s.stats.apiReceived.Add(1)
		},
	})
	if err != nil {
		s.stats.failures.Add(1)
		if !errors.Is(err, session.ErrInvalidFilter) {
			s.logger.Warn("subscribe failed", "session", id, "filter", filter, "error", err)
		}
		return err
	}
	s.stats.subscribed.Add(1)
	return nil
}

func (s *Server) qosOrDefault(q *byte) byte {
	if q == nil {
		return s.defaultQoS
	}
	return *q
}
