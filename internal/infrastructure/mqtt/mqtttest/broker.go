// Package mqtttest provides an in-process MQTT broker for tests.
//
// The broker speaks real MQTT 3.1.1 packets over net.Pipe. It records every
// packet a client sends, acknowledges by default, and lets a test refuse
// connections, withhold acknowledgements, reject filters, push messages and
// drop the connection. With routing enabled it also delivers client
// publishes to every connection holding a matching subscription.
package mqtttest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrBrokerDown is returned by Dial while the broker is down.
var ErrBrokerDown = errors.New("mqtttest: broker down")

// Broker is a fake MQTT broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu       sync.Mutex
	received []packets.ControlPacket
	conns    []*serverConn
	current  *serverConn
	rejected map[string]bool
	nextID   uint16

	down        atomic.Bool
	silent      atomic.Bool
	withholdAck atomic.Bool
	routing     atomic.Bool
	connackCode atomic.Uint32
	dials       atomic.Int32
}

// NewBroker returns a broker that accepts every connection and acknowledges
// every packet.
func NewBroker() *Broker {
	return &Broker{rejected: make(map[string]bool)}
}

// Dial connects a new client. Its signature fits mqtt.DialFunc once the
// options argument is dropped.
func (b *Broker) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	b.dials.Add(1)
	if b.down.Load() {
		return nil, ErrBrokerDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, server := net.Pipe()
	sc := &serverConn{
		conn: server,
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
		subs: make(map[string]byte),
	}

	b.mu.Lock()
	b.conns = append(b.conns, sc)
	b.current = sc
	b.mu.Unlock()

	go sc.writeLoop()
	go b.serve(sc)
	return client, nil
}

// Dials reports how many times Dial was called.
func (b *Broker) Dials() int { return int(b.dials.Load()) }

// SetDown makes Dial fail with ErrBrokerDown.
func (b *Broker) SetDown(down bool) { b.down.Store(down) }

// SetSilent stops the broker answering CONNECT.
func (b *Broker) SetSilent(silent bool) { b.silent.Store(silent) }

// SetConnackCode sets the CONNACK return code for new connections.
func (b *Broker) SetConnackCode(code byte) { b.connackCode.Store(uint32(code)) }

// WithholdAcks stops PUBACK/PUBREC/PUBCOMP being sent for client publishes.
func (b *Broker) WithholdAcks(withhold bool) { b.withholdAck.Store(withhold) }

// SetRouting makes the broker forward each client PUBLISH to every
// connection subscribed to a matching filter, once per connection, at the
// lower of the two QoS levels. DUP resends are not forwarded again.
func (b *Broker) SetRouting(on bool) { b.routing.Store(on) }

// RejectFilter makes SUBACK return 0x80 for filter.
func (b *Broker) RejectFilter(filter string) {
	b.mu.Lock()
	b.rejected[filter] = true
	b.mu.Unlock()
}

// DropConnection closes the current connection without DISCONNECT.
func (b *Broker) DropConnection() {
	b.mu.Lock()
	sc := b.current
	b.mu.Unlock()
	if sc != nil {
		sc.close()
	}
}

// Publish sends an application message to the current client.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	b.mu.Lock()
	sc := b.current
	b.mu.Unlock()
	if sc == nil {
		return errors.New("mqtttest: no client connected")
	}
	return sc.send(b.newPublish(topic, payload, qos, retained))
}

func (b *Broker) newPublish(topic string, payload []byte, qos byte, retained bool) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = append([]byte(nil), payload...)
	p.Qos = qos
	p.Retain = retained
	if qos > 0 {
		b.mu.Lock()
		b.nextID++
		if b.nextID == 0 {
			b.nextID = 1
		}
		p.MessageID = b.nextID
		b.mu.Unlock()
	}
	return p
}

// route forwards p to every connection with a matching subscription.
func (b *Broker) route(p *packets.PublishPacket) {
	type target struct {
		sc  *serverConn
		qos byte
	}
	var targets []target

	b.mu.Lock()
	for _, sc := range b.conns {
		granted, ok := byte(0), false
		for filter, qos := range sc.subs {
			if matches(filter, p.TopicName) {
				granted, ok = max(granted, qos), true
			}
		}
		if ok {
			targets = append(targets, target{sc, min(granted, p.Qos)})
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		_ = t.sc.send(b.newPublish(p.TopicName, p.Payload, t.qos, p.Retain))
	}
}

// matches is a plain filter match for routing. It stays local so this
// package does not import the topic package, which imports mqtt.
func matches(filter, topic string) bool {
	f, t := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) || (level != "+" && level != t[i]) {
			return false
		}
	}
	return len(f) == len(t)
}

// Send writes an arbitrary packet to the current client.
func (b *Broker) Send(pkt packets.ControlPacket) error {
	b.mu.Lock()
	sc := b.current
	b.mu.Unlock()
	if sc == nil {
		return errors.New("mqtttest: no client connected")
	}
	return sc.send(pkt)
}

// Received returns a snapshot of every packet received so far.
func (b *Broker) Received() []packets.ControlPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]packets.ControlPacket(nil), b.received...)
}

// Publishes returns the PUBLISH packets received so far.
func (b *Broker) Publishes() []*packets.PublishPacket {
	var out []*packets.PublishPacket
	for _, p := range b.Received() {
		if pub, ok := p.(*packets.PublishPacket); ok {
			out = append(out, pub)
		}
	}
	return out
}

// Subscribes returns the SUBSCRIBE packets received so far.
func (b *Broker) Subscribes() []*packets.SubscribePacket {
	var out []*packets.SubscribePacket
	for _, p := range b.Received() {
		if sub, ok := p.(*packets.SubscribePacket); ok {
			out = append(out, sub)
		}
	}
	return out
}

// Count returns how many packets of the given type were received.
func (b *Broker) Count(packetType byte) int {
	n := 0
	for _, p := range b.Received() {
		if messageType(p) == packetType {
			n++
		}
	}
	return n
}

// WaitFor polls until cond returns true or timeout elapses.
func (b *Broker) WaitFor(timeout time.Duration, cond func(*Broker) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(b) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForCount waits until at least n packets of packetType were received.
func (b *Broker) WaitForCount(packetType byte, n int, timeout time.Duration) bool {
	return b.WaitFor(timeout, func(b *Broker) bool { return b.Count(packetType) >= n })
}

// Close drops every connection.
func (b *Broker) Close() {
	b.mu.Lock()
	conns := append([]*serverConn(nil), b.conns...)
	b.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
}

func (b *Broker) record(p packets.ControlPacket) {
	b.mu.Lock()
	b.received = append(b.received, p)
	b.mu.Unlock()
}

func (b *Broker) serve(sc *serverConn) {
	defer sc.close()

	for {
		pkt, err := packets.ReadPacket(sc.conn)
		if err != nil {
			return
		}
		b.record(pkt)

		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			if b.silent.Load() {
				continue
			}
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = byte(b.connackCode.Load())
			if ack.ReturnCode != 0 {
				// Refusals are written inline so CONNACK lands before the close.
				_ = ack.Write(sc.conn)
				return
			}
			_ = sc.send(ack)

		case *packets.PublishPacket:
			if b.routing.Load() && !p.Dup {
				b.route(p)
			}
			if b.withholdAck.Load() {
				continue
			}
			switch p.Qos {
			case 1:
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				_ = sc.send(ack)
			case 2:
				rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
				rec.MessageID = p.MessageID
				_ = sc.send(rec)
			}

		case *packets.PubrelPacket:
			if b.withholdAck.Load() {
				continue
			}
			comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
			comp.MessageID = p.MessageID
			_ = sc.send(comp)

		case *packets.PubrecPacket:
			rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
			rel.MessageID = p.MessageID
			_ = sc.send(rel)

		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			b.mu.Lock()
			for i, f := range p.Topics {
				if b.rejected[f] {
					ack.ReturnCodes = append(ack.ReturnCodes, 0x80)
				} else {
					ack.ReturnCodes = append(ack.ReturnCodes, p.Qoss[i])
					sc.subs[f] = p.Qoss[i]
				}
			}
			b.mu.Unlock()
			_ = sc.send(ack)

		case *packets.UnsubscribePacket:
			b.mu.Lock()
			for _, f := range p.Topics {
				delete(sc.subs, f)
			}
			b.mu.Unlock()
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			_ = sc.send(ack)

		case *packets.PingreqPacket:
			_ = sc.send(packets.NewControlPacket(packets.Pingresp))

		case *packets.DisconnectPacket:
			return
		}
	}
}

// serverConn is the broker end of one pipe. Writes are queued so the read
// loop never blocks on a client that is itself blocked writing.
type serverConn struct {
	conn      net.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subs map[string]byte // filter -> granted QoS; guarded by Broker.mu
}

func (sc *serverConn) send(pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	select {
	case sc.out <- buf.Bytes():
		return nil
	case <-sc.done:
		return io.ErrClosedPipe
	}
}

func (sc *serverConn) writeLoop() {
	for {
		select {
		case b := <-sc.out:
			if _, err := sc.conn.Write(b); err != nil {
				sc.close()
				return
			}
		case <-sc.done:
			return
		}
	}
}

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}

func messageType(p packets.ControlPacket) byte {
	switch p.(type) {
	case *packets.ConnectPacket:
		return packets.Connect
	case *packets.ConnackPacket:
		return packets.Connack
	case *packets.PublishPacket:
		return packets.Publish
	case *packets.PubackPacket:
		return packets.Puback
	case *packets.PubrecPacket:
		return packets.Pubrec
	case *packets.PubrelPacket:
		return packets.Pubrel
	case *packets.PubcompPacket:
		return packets.Pubcomp
	case *packets.SubscribePacket:
		return packets.Subscribe
	case *packets.SubackPacket:
		return packets.Suback
	case *packets.UnsubscribePacket:
		return packets.Unsubscribe
	case *packets.UnsubackPacket:
		return packets.Unsuback
	case *packets.PingreqPacket:
		return packets.Pingreq
	case *packets.PingrespPacket:
		return packets.Pingresp
	case *packets.DisconnectPacket:
		return packets.Disconnect
	}
	return 0
}
