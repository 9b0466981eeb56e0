package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeUnauthorized      = "unauthorised"
	ErrCodeForbidden         = "forbidden"
	ErrCodeInternal          = "internal_error"
	ErrCodeMethodNotAllow    = "method_not_allowed"
	ErrCodeUnknownSession    = "unknown_session"
	ErrCodeAuthRejected      = "auth_rejected"
	ErrCodeNetwork           = "network_unavailable"
	ErrCodeTimeout           = "timeout"
	ErrCodeInvalidFilter     = "invalid_filter"
	ErrCodeNotConnected      = "not_connected"
	ErrCodeQueueFull         = "queue_full"
	ErrCodeDeliveryTimeout   = "delivery_timeout"
	ErrCodeSessionClosed     = "session_closed"
	ErrCodeSubscribeRejected = "subscribe_rejected"
)

// sessionErrors maps session failures to HTTP status and error code.
// Order matters: the first match wins.
var sessionErrors = []struct {
	err    error
	status int
	code   string
}{
	{session.ErrUnknownSession, http.StatusNotFound, ErrCodeUnknownSession},
	{auth.ErrTopicForbidden, http.StatusForbidden, ErrCodeForbidden},
	{session.ErrAuthRejected, http.StatusBadGateway, ErrCodeAuthRejected},
	{session.ErrDeliveryTimeout, http.StatusGatewayTimeout, ErrCodeDeliveryTimeout},
	{session.ErrConnectTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{session.ErrAckTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
	{session.ErrNetworkUnavailable, http.StatusServiceUnavailable, ErrCodeNetwork},
	{session.ErrInvalidFilter, http.StatusBadRequest, ErrCodeInvalidFilter},
	{session.ErrInvalidTopic, http.StatusBadRequest, ErrCodeBadRequest},
	{mqtt.ErrInvalidQoS, http.StatusBadRequest, ErrCodeBadRequest},
	{mqtt.ErrPayloadTooLarge, http.StatusBadRequest, ErrCodeBadRequest},
	{session.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeNotConnected},
	{session.ErrQueueFull, http.StatusServiceUnavailable, ErrCodeQueueFull},
	{session.ErrSessionClosed, http.StatusConflict, ErrCodeSessionClosed},
	{session.ErrSubscribeRejected, http.StatusBadGateway, ErrCodeSubscribeRejected},
}

// classifyError returns the HTTP status and error code for err.
func classifyError(err error) (int, string) {
	for _, e := range sessionErrors {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeSessionError writes err using its stable code. Internal errors are
// not echoed back to the caller.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("session operation failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestID(r),
		)
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
