package session

import (
	"time"
)

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID     string    `json:"sessionId"`
	Connected     bool      `json:"connected"`
	State         State     `json:"state"`
	Subscriptions []string  `json:"subscriptions"`
	LastUpdate    time.Time `json:"lastUpdate"`
	LastError     string    `json:"lastError,omitempty"`
	RetryCount    int       `json:"retryCount"`
	Broker        string    `json:"broker"`
	ClientID      string    `json:"clientId"`
	InFlight      int       `json:"inFlight"`
}

// connState is the immutable part of Status swapped atomically on every
// transition.
type connState struct {
	state      State
	lastError  string
	lastUpdate time.Time
	retryCount int
}

// PublishAck reports an accepted publish.
type PublishAck struct {
	MessageID uint16 `json:"messageId"`
	QoS       byte   `json:"qos"`
}
