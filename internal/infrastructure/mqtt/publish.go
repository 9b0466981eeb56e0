package mqtt

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// ValidateQoS checks that qos is 0, 1 or 2.
func ValidateQoS(qos byte) error {
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return nil
}

// ValidatePayload checks the payload size limit.
func ValidatePayload(payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	return nil
}

// NewPublishPacket builds a PUBLISH packet. id is ignored for QoS 0.
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (PUBACK, may duplicate)
//   - 2: Exactly once (PUBREC/PUBREL/PUBCOMP)
//
// The payload is copied so later mutation by the caller cannot change what
// a retry puts on the wire.
func NewPublishPacket(topic string, payload []byte, qos byte, retained bool, id uint16) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Qos = qos
	p.Retain = retained
	p.Payload = append([]byte(nil), payload...)
	if qos > 0 {
		p.MessageID = id
	}
	return p
}

// NewPuback acknowledges an inbound QoS 1 PUBLISH.
func NewPuback(id uint16) *packets.PubackPacket {
	p := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	p.MessageID = id
	return p
}

// NewPubrec is the first acknowledgement of an inbound QoS 2 PUBLISH.
func NewPubrec(id uint16) *packets.PubrecPacket {
	p := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	p.MessageID = id
	return p
}

// NewPubrel releases an outbound QoS 2 message after PUBREC.
func NewPubrel(id uint16) *packets.PubrelPacket {
	p := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	p.MessageID = id
	return p
}

// NewPubcomp completes an inbound QoS 2 exchange.
func NewPubcomp(id uint16) *packets.PubcompPacket {
	p := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	p.MessageID = id
	return p
}
