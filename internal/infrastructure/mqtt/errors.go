package mqtt

import "errors"

// Domain-specific errors for MQTT transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAuthRejected is returned when the broker refuses the credentials
	// (CONNACK 4 or 5). It is permanent and must not be retried.
	ErrAuthRejected = errors.New("mqtt: broker rejected credentials")

	// ErrNetworkUnavailable is returned when the broker cannot be reached.
	ErrNetworkUnavailable = errors.New("mqtt: network unavailable")

	// ErrConnectTimeout is returned when the CONNECT/CONNACK handshake does
	// not finish within the connect timeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")

	// ErrConnectionRefused is returned for any other non-zero CONNACK code.
	ErrConnectionRefused = errors.New("mqtt: connection refused")

	// ErrUnsupportedScheme is returned for a broker scheme other than
	// tcp, ssl, tls, ws or wss.
	ErrUnsupportedScheme = errors.New("mqtt: unsupported broker scheme")

	// ErrDiscoveryFailed is returned when mDNS browsing finds no broker.
	ErrDiscoveryFailed = errors.New("mqtt: broker discovery failed")

	// ErrLinkClosed is returned by Link operations after the connection closed.
	ErrLinkClosed = errors.New("mqtt: link closed")

	// ErrKeepaliveTimeout closes a link that heard nothing from the broker
	// for 1.5x the keepalive interval.
	ErrKeepaliveTimeout = errors.New("mqtt: keepalive timeout")

	// ErrProtocol is returned when the broker sends an unexpected packet.
	ErrProtocol = errors.New("mqtt: protocol violation")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrPayloadTooLarge is returned when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)

// IsTransient reports whether err is worth retrying with backoff.
// Authentication rejection and a bad scheme are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAuthRejected) && !errors.Is(err, ErrUnsupportedScheme)
}
