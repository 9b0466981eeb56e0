package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttlink/internal/auth"
	"github.com/nerrad567/mqttlink/internal/session"
)

// healthCheckTimeout bounds the telemetry probe in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check and metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/sessions", func(r chi.Router) {
				r.With(s.require(auth.PermSessionRead)).Get("/", s.handleListSessions)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.require(auth.PermSessionRead)).Get("/status", s.handleSessionStatus)
					r.With(s.require(auth.PermSessionRead)).Get("/subscriptions", s.handleListSubscriptions)
					r.With(s.require(auth.PermSessionManage)).Post("/connect", s.handleConnect)
					r.With(s.require(auth.PermSessionManage)).Delete("/", s.handleDisconnect)
					r.With(s.require(auth.PermSessionPublish)).Post("/publish", s.handlePublish)
					r.With(s.require(auth.PermSessionSubscribe)).Post("/subscribe", s.handleSubscribe)
					r.With(s.require(auth.PermSessionSubscribe)).Post("/unsubscribe", s.handleUnsubscribe)
				})
			})

			// Device state cache
			r.Route("/state", func(r chi.Router) {
				r.Use(s.require(auth.PermSessionRead))
				r.Get("/", s.handleListState)
				r.Get("/*", s.handleGetState)
			})
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)
	})

	// Single-device endpoint kept for existing dashboards. It always uses
	// the default target.
	r.Route("/api/mqtt", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.require(auth.PermSessionRead)).Get("/", s.handleLegacyStatus)
		r.With(s.require(auth.PermSessionPublish)).Post("/", s.handleLegacyCommand)
		r.With(s.require(auth.PermSessionManage)).Delete("/", s.handleLegacyDisconnect)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	connected := 0
	for _, st := range sessions {
		if st.Connected {
			connected++
		}
	}

	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"sessions": map[string]int{
			"live":      len(sessions),
			"connected": connected,
		},
	}

	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.telemetry.HealthCheck(ctx); err != nil {
			resp["telemetry"] = "unhealthy"
			resp["status"] = "degraded"
		} else {
			resp["telemetry"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// sessionStatuses returns the status of every configured target, idle ones
// included.
func (s *Server) sessionStatuses() []session.Status {
	targets := s.sessions.Targets()
	out := make([]session.Status, 0, len(targets))
	for _, id := range targets {
		st, err := s.sessions.Status(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}
