// Package api implements the HTTP REST API and WebSocket server for mqttlink.
//
// This package provides:
//   - REST endpoints to connect, inspect and close broker sessions
//   - Publish and subscribe through a named session
//   - Read access to the device state cache
//   - WebSocket hub relaying inbound messages and session state changes
//   - The single-device /api/mqtt endpoint kept for existing dashboards
//
// # Security
//
// When security.jwt.secret is set every route except /health and /metrics
// requires an HS256 bearer token whose role grants the route's permission.
// A token with a topic scope may only publish to, subscribe to and receive
// WebSocket events for topics inside that scope. WebSocket connections use
// single-use tickets carrying the token's claims, which keeps the token out
// of URLs. An empty secret disables authentication for local development.
//
// # Errors
//
// Session failures map to stable error codes (unknown_session,
// auth_rejected, delivery_timeout, ...) so clients never parse messages.
package api
