package session

import (
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

// packetIDs hands out MQTT packet identifiers. IDs wrap at 65535, skip 0,
// and are never reused while still held.
type packetIDs struct {
	mu   sync.Mutex
	next uint16
	used map[uint16]struct{}
}

func newPacketIDs() *packetIDs {
	return &packetIDs{next: 1, used: make(map[uint16]struct{})}
}

func (p *packetIDs) acquire() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range 65535 {
		id := p.next
		p.next++
		if p.next == 0 {
			p.next = 1
		}
		if _, taken := p.used[id]; !taken {
			p.used[id] = struct{}{}
			return id, nil
		}
	}
	return 0, ErrNoPacketID
}

func (p *packetIDs) release(id uint16) {
	p.mu.Lock()
	delete(p.used, id)
	p.mu.Unlock()
}

// outboundMessage is one QoS 1/2 publish awaiting acknowledgement.
type outboundMessage struct {
	id       uint16
	topic    string
	payload  []byte
	qos      byte
	retained bool

	// released is set once PUBREC arrived; from then on PUBREL is resent
	// instead of PUBLISH.
	released atomic.Bool

	done     chan error // buffered(1), receives exactly once
	doneOnce sync.Once
}

func (m *outboundMessage) complete(err error) {
	m.doneOnce.Do(func() {
		m.done <- err
	})
}

// packet returns the packet to (re)send for the message's current stage.
func (m *outboundMessage) packet(dup bool) packets.ControlPacket {
	if m.released.Load() {
		return mqtt.NewPubrel(m.id)
	}
	p := mqtt.NewPublishPacket(m.topic, m.payload, m.qos, m.retained, m.id)
	p.Dup = dup
	return p
}

// inflightTable tracks unacknowledged QoS 1/2 publishes by packet ID.
type inflightTable struct {
	mu    sync.Mutex
	byID  map[uint16]*outboundMessage
	count atomic.Int32
}

func newInflightTable() *inflightTable {
	return &inflightTable{byID: make(map[uint16]*outboundMessage)}
}

func (t *inflightTable) add(m *outboundMessage) {
	t.mu.Lock()
	t.byID[m.id] = m
	t.count.Store(int32(len(t.byID)))
	t.mu.Unlock()
}

func (t *inflightTable) get(id uint16) (*outboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	return m, ok
}

// remove deletes id and reports whether it was present.
func (t *inflightTable) remove(id uint16) (*outboundMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		t.count.Store(int32(len(t.byID)))
	}
	return m, ok
}

// snapshot returns the tracked messages in no particular order.
func (t *inflightTable) snapshot() []*outboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*outboundMessage, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	return out
}

// failAll completes and removes every entry.
func (t *inflightTable) failAll(err error) []*outboundMessage {
	t.mu.Lock()
	msgs := make([]*outboundMessage, 0, len(t.byID))
	for id, m := range t.byID {
		msgs = append(msgs, m)
		delete(t.byID, id)
	}
	t.count.Store(0)
	t.mu.Unlock()

	for _, m := range msgs {
		m.complete(err)
	}
	return msgs
}

func (t *inflightTable) len() int {
	return int(t.count.Load())
}

// pendingAcks routes SUBACK/UNSUBACK to the goroutine waiting for them.
type pendingAcks struct {
	mu      sync.Mutex
	waiters map[uint16]chan packets.ControlPacket
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{waiters: make(map[uint16]chan packets.ControlPacket)}
}

func (p *pendingAcks) add(id uint16) <-chan packets.ControlPacket {
	ch := make(chan packets.ControlPacket, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers pkt to the waiter for id. It reports false for an
// unexpected acknowledgement.
func (p *pendingAcks) resolve(id uint16, pkt packets.ControlPacket) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	if ok {
		ch <- pkt
		close(ch)
	}
	return ok
}

func (p *pendingAcks) remove(id uint16) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// failAll closes every waiting channel; receivers see a closed channel as
// link loss.
func (p *pendingAcks) failAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint16]chan packets.ControlPacket)
	p.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
