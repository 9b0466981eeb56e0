package mqtt

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Logger defines the logging interface used by the transport.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Connector establishes Links to one broker.
//
// It only performs the handshake. Reconnection policy belongs to the caller,
// which should retry with Backoff while IsTransient(err) holds.
type Connector struct {
	opts     Options
	dial     DialFunc
	discover DiscoverFunc
	logger   Logger
}

// ConnectorOption customises a Connector.
type ConnectorOption func(*Connector)

// WithDialer replaces the network dialer.
func WithDialer(d DialFunc) ConnectorOption {
	return func(c *Connector) { c.dial = d }
}

// WithDiscovery replaces the mDNS broker lookup.
func WithDiscovery(fn DiscoverFunc) ConnectorOption {
	return func(c *Connector) { c.discover = fn }
}

// WithLogger sets the transport logger.
func WithLogger(l Logger) ConnectorOption {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConnector creates a Connector for the given options.
func NewConnector(opts Options, options ...ConnectorOption) *Connector {
	c := &Connector{
		opts:     opts,
		dial:     Dial,
		discover: DiscoverBroker,
		logger:   noopLogger{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Options returns the connection options.
func (c *Connector) Options() Options { return c.opts }

// Connect dials the broker, sends CONNECT and waits for CONNACK.
//
// Errors:
//   - ErrAuthRejected: CONNACK 4 or 5 (permanent)
//   - ErrNetworkUnavailable: dial or discovery failure, link lost mid-handshake
//   - ErrConnectTimeout: no CONNACK within the connect timeout
//   - ErrConnectionRefused: any other CONNACK refusal
//
// On success the keepalive pinger is running on the returned Link.
func (c *Connector) Connect(ctx context.Context) (*Link, error) {
	opts := c.opts

	if opts.Discover {
		host, port, err := c.discover(ctx, opts.Instance)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
		}
		c.logger.Debug("broker discovered", "host", host, "port", port)
		opts.Host, opts.Port = host, port
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, opts)
	if err != nil {
		if errors.Is(err, ErrUnsupportedScheme) {
			return nil, err
		}
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dialing %s after %v", ErrConnectTimeout, opts.BrokerURL(), opts.ConnectTimeout)
		}
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrNetworkUnavailable, opts.BrokerURL(), err)
	}

	link := newLink(conn, opts.BrokerURL())

	type result struct {
		ack *packets.ConnackPacket
		err error
	}
	done := make(chan result, 1)

	go func() {
		if err := link.WritePacket(buildConnectPacket(opts)); err != nil {
			done <- result{err: err}
			return
		}
		pkt, err := link.ReadPacket()
		if err != nil {
			done <- result{err: err}
			return
		}
		ack, ok := pkt.(*packets.ConnackPacket)
		if !ok {
			done <- result{err: fmt.Errorf("%w: expected CONNACK, got %T", ErrProtocol, pkt)}
			return
		}
		done <- result{ack: ack}
	}()

	select {
	case <-ctx.Done():
		link.Close()
		if parent.Err() != nil {
			return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL(), parent.Err())
		}
		return nil, fmt.Errorf("%w: no CONNACK from %s within %v", ErrConnectTimeout, opts.BrokerURL(), opts.ConnectTimeout)

	case r := <-done:
		if r.err != nil {
			link.Close()
			if errors.Is(r.err, ErrProtocol) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: handshake with %s: %w", ErrNetworkUnavailable, opts.BrokerURL(), r.err)
		}
		if err := connackError(r.ack.ReturnCode); err != nil {
			link.Close()
			return nil, err
		}
	}

	go link.keepalive(opts.KeepAlive)
	return link, nil
}

// connackError maps a CONNACK return code to an error.
func connackError(code byte) error {
	switch code {
	case connackAccepted:
		return nil
	case connackBadCredentials:
		return fmt.Errorf("%w: bad username or password", ErrAuthRejected)
	case connackNotAuthorised:
		return fmt.Errorf("%w: not authorised", ErrAuthRejected)
	case connackBadProtocol:
		return fmt.Errorf("%w: unacceptable protocol version", ErrConnectionRefused)
	case connackIDRejected:
		return fmt.Errorf("%w: identifier rejected", ErrConnectionRefused)
	case connackServerUnavailable:
		return fmt.Errorf("%w: server unavailable", ErrConnectionRefused)
	default:
		return fmt.Errorf("%w: return code %d", ErrConnectionRefused, code)
	}
}
