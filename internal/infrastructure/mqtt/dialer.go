package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
)

// wsSubprotocol is the WebSocket subprotocol registered for MQTT.
const wsSubprotocol = "mqtt"

// DialFunc opens the raw byte stream to a broker. Tests substitute one that
// returns one end of a net.Pipe.
type DialFunc func(ctx context.Context, o Options) (io.ReadWriteCloser, error)

// Dial opens a connection using the scheme in o.
//
//   - tcp: plain TCP
//   - ssl, tls: TLS 1.2+ over TCP
//   - ws, wss: MQTT over WebSocket (binary frames, "mqtt" subprotocol)
func Dial(ctx context.Context, o Options) (io.ReadWriteCloser, error) {
	switch o.Scheme {
	case config.SchemeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", o.Address())
	case config.SchemeSSL, config.SchemeTLS:
		d := tls.Dialer{Config: o.tlsConfig()}
		return d.DialContext(ctx, "tcp", o.Address())
	case config.SchemeWS, config.SchemeWSS:
		return dialWebSocket(ctx, o)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, o.Scheme)
	}
}

func dialWebSocket(ctx context.Context, o Options) (io.ReadWriteCloser, error) {
	u := url.URL{Scheme: o.Scheme, Host: o.Address(), Path: o.wsPath()}

	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: o.ConnectTimeout,
		Subprotocols:     []string{wsSubprotocol},
	}
	if o.isTLS() {
		d.TLSClientConfig = o.tlsConfig()
	}

	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body carries nothing we need
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a WebSocket connection to a byte stream. MQTT packets may
// span frames and a frame may hold several packets, so reads continue across
// message boundaries.
//
// Read must only be called from one goroutine; writes are serialised by Link.
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
