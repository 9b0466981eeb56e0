// Package auth provides API authorisation for mqttlink.
//
// Callers present an HS256 JWT access token carrying one of three cumulative
// roles: viewer, operator and admin. A token may also carry a topic scope,
// a list of MQTT filters limiting what it can publish to or subscribe to.
// There is no user store; tokens are minted by `mqttlink token` with the
// configured secret.
//
// When no secret is configured the API runs without authentication.
package auth
