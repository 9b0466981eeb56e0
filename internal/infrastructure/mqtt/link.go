package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Link is one established broker connection (CONNACK accepted).
//
// Thread Safety:
//   - ReadPacket must be called from a single goroutine.
//   - WritePacket is safe for concurrent use; each packet is encoded first
//     and written with one Write call under a mutex, so bytes from
//     concurrent writers never interleave.
//   - Close is safe to call any number of times from any goroutine.
type Link struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	broker string

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	closeErr  error

	lastRecv atomic.Int64 // unix nanos
	lastPing atomic.Int64
}

func newLink(conn io.ReadWriteCloser, broker string) *Link {
	now := time.Now().UnixNano()
	l := &Link{
		conn:   conn,
		reader: bufio.NewReader(conn),
		broker: broker,
		closed: make(chan struct{}),
	}
	l.lastRecv.Store(now)
	l.lastPing.Store(now)
	return l
}

// Broker returns the URL this link is connected to.
func (l *Link) Broker() string { return l.broker }

// Done is closed once the link is closed for any reason.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Err returns why the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.closeErr
}

// ReadPacket blocks until one control packet has been decoded.
func (l *Link) ReadPacket() (packets.ControlPacket, error) {
	pkt, err := packets.ReadPacket(l.reader)
	if err != nil {
		l.closeWithError(err)
		if cause := l.Err(); cause != nil && !errors.Is(err, cause) {
			return nil, fmt.Errorf("%w: %w", ErrLinkClosed, cause)
		}
		return nil, fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	l.lastRecv.Store(time.Now().UnixNano())
	return pkt, nil
}

// WritePacket encodes pkt and writes it atomically.
func (l *Link) WritePacket(pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return fmt.Errorf("encoding %T: %w", pkt, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	if _, err := l.conn.Write(buf.Bytes()); err != nil {
		l.closeWithError(err)
		return fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and closes the link. The broker discards the
// Last Will on a clean DISCONNECT.
func (l *Link) Disconnect() error {
	err := l.WritePacket(packets.NewControlPacket(packets.Disconnect))
	l.Close()
	return err
}

// Close closes the underlying connection.
func (l *Link) Close() {
	l.closeWithError(ErrLinkClosed)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()
		close(l.closed)
		_ = l.conn.Close()
	})
}

// keepalive sends PINGREQ every interval and closes the link when nothing
// has been received for 1.5x interval. A zero interval disables it.
func (l *Link) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case now := <-ticker.C:
			silence := now.Sub(time.Unix(0, l.lastRecv.Load()))
			if silence > interval*3/2 {
				l.closeWithError(ErrKeepaliveTimeout)
				return
			}
			if now.Sub(time.Unix(0, l.lastPing.Load())) >= interval {
				l.lastPing.Store(now.UnixNano())
				if err := l.WritePacket(packets.NewControlPacket(packets.Pingreq)); err != nil {
					return
				}
			}
		}
	}
}
