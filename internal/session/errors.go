package session

import (
	"errors"
	"fmt"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// Session errors. Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation needs a live broker link.
	ErrNotConnected = errors.New("session: not connected")

	// ErrQueueFull is returned when the outbound queue stayed full for the
	// whole queue timeout.
	ErrQueueFull = errors.New("session: outbound queue full")

	// ErrDeliveryTimeout is returned when a QoS 1/2 publish was not
	// acknowledged after the configured number of retries.
	ErrDeliveryTimeout = errors.New("session: delivery not acknowledged")

	// ErrAckTimeout is returned when SUBACK or UNSUBACK does not arrive.
	ErrAckTimeout = errors.New("session: acknowledgement timed out")

	// ErrSessionClosed is returned for operations on, or pending during, Close.
	ErrSessionClosed = errors.New("session: closed")

	// ErrSubscribeRejected is returned when SUBACK carries 0x80.
	ErrSubscribeRejected = errors.New("session: broker rejected subscription")

	// ErrUnknownSession is returned for a session ID with no broker target.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrNoPacketID is returned when all 65535 packet identifiers are in use.
	ErrNoPacketID = errors.New("session: no free packet identifier")
)

// Errors surfaced from lower layers, re-exported so callers can match every
// session failure against this package.
var (
	ErrAuthRejected       = mqtt.ErrAuthRejected
	ErrNetworkUnavailable = mqtt.ErrNetworkUnavailable
	ErrConnectTimeout     = mqtt.ErrConnectTimeout
	ErrInvalidFilter      = topic.ErrInvalidFilter
	ErrInvalidTopic       = topic.ErrInvalidTopic
)

// errorString carries a recorded error message across a state transition.
type errorString string

func (e errorString) Error() string { return string(e) }

func newGiveUpError(attempts int, last error) error {
	if last == nil {
		return fmt.Errorf("%w: gave up after %d attempts", ErrNetworkUnavailable, attempts)
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrNetworkUnavailable, attempts, last)
}
