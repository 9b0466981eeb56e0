package mqtt

import (
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Message is an inbound application message. It is immutable: the payload is
// copied on construction and again on every read.
type Message struct {
	topic     string
	payload   []byte
	qos       byte
	retained  bool
	duplicate bool
	timestamp time.Time
}

// NewMessage constructs a Message.
func NewMessage(topic string, payload []byte, qos byte, retained, duplicate bool, ts time.Time) Message {
	return Message{
		topic:     topic,
		payload:   append([]byte(nil), payload...),
		qos:       qos,
		retained:  retained,
		duplicate: duplicate,
		timestamp: ts,
	}
}

// MessageFromPublish converts a received PUBLISH packet.
func MessageFromPublish(p *packets.PublishPacket, received time.Time) Message {
	return NewMessage(p.TopicName, p.Payload, p.Qos, p.Retain, p.Dup, received)
}

// Topic returns the concrete topic the message was published on.
func (m Message) Topic() string { return m.topic }

// Payload returns a copy of the message body.
func (m Message) Payload() []byte { return append([]byte(nil), m.payload...) }

// PayloadString returns the body as a string.
func (m Message) PayloadString() string { return string(m.payload) }

func (m Message) QoS() byte            { return m.qos }
func (m Message) Retained() bool       { return m.retained }
func (m Message) Duplicate() bool      { return m.duplicate }
func (m Message) Timestamp() time.Time { return m.timestamp }
