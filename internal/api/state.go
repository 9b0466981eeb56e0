package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/statecache"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// stateView is the JSON form of a cached device state. Payloads that are
// not valid UTF-8 are base64 encoded.
type stateView struct {
	DeviceID  string `json:"deviceId"`
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Encoding  string `json:"encoding,omitempty"`
	QoS       byte   `json:"qos"`
	Retained  bool   `json:"retained"`
	UpdatedAt string `json:"updatedAt"`
}

func toStateView(st statecache.DeviceState) stateView {
	v := stateView{
		DeviceID:  st.DeviceID,
		Topic:     st.Topic,
		QoS:       st.QoS,
		Retained:  st.Retained,
		UpdatedAt: st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if utf8.Valid(st.Payload) {
		v.Payload = string(st.Payload)
	} else {
		v.Payload = base64.StdEncoding.EncodeToString(st.Payload)
		v.Encoding = "base64"
	}
	return v
}

func toStateViews(states []statecache.DeviceState) []stateView {
	out := make([]stateView, len(states))
	for i, st := range states {
		out[i] = toStateView(st)
	}
	return out
}

// visibleStates drops states on topics outside the token's scope.
func visibleStates(claims *auth.CustomClaims, states []statecache.DeviceState) []statecache.DeviceState {
	if claims == nil {
		return states
	}
	out := states[:0:0]
	for _, st := range states {
		if claims.AllowsTopic(st.Topic) {
			out = append(out, st)
		}
	}
	return out
}

// handleListState lists cached device states. ?device= narrows to one
// device; ?filter= narrows to topics matching an MQTT filter. A scoped
// token only sees states, and devices, on topics it may use.
func (s *Server) handleListState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	claims := claimsFromContext(r.Context())

	var states []statecache.DeviceState
	switch {
	case q.Get("filter") != "":
		filter := q.Get("filter")
		if err := topic.ValidateFilter(filter); err != nil {
			s.writeSessionError(w, r, err)
			return
		}
		states = s.cache.ListMatching(filter)
	case q.Get("device") != "":
		states = s.cache.ListDevice(q.Get("device"))
	default:
		states = s.cache.List()
	}
	states = visibleStates(claims, states)

	devices := s.cache.Devices()
	if claims != nil {
		devices = scopedDevices(visibleStates(claims, s.cache.List()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"states":  toStateViews(states),
		"count":   len(states),
		"devices": devices,
	})
}

// handleGetState returns the last message on one concrete topic.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || name == "" {
		writeBadRequest(w, "invalid topic")
		return
	}
	if err := topic.ValidateTopic(name); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if c := claimsFromContext(r.Context()); c != nil && !c.AllowsTopic(name) {
		s.writeSessionError(w, r, fmt.Errorf("%w: %s", auth.ErrTopicForbidden, name))
		return
	}

	st, ok := s.cache.Get(name)
	if !ok {
		writeNotFound(w, "no state recorded for topic")
		return
	}
	writeJSON(w, http.StatusOK, toStateView(st))
}

func scopedDevices(states []statecache.DeviceState) []string {
	seen := make(map[string]struct{}, len(states))
	devices := make([]string, 0, len(states))
	for _, st := range states {
		if _, ok := seen[st.DeviceID]; ok {
			continue
		}
		seen[st.DeviceID] = struct{}{}
		devices = append(devices, st.DeviceID)
	}
	slices.Sort(devices)
	return devices
}
