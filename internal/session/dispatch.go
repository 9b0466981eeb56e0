package session

import (
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sourcegraph/conc/panics"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
)

// readLoop dispatches packets from link until it fails.
func (s *Session) readLoop(link *mqtt.Link) error {
	for {
		pkt, err := link.ReadPacket()
		if err != nil {
			return err
		}

		switch p := pkt.(type) {
		case *packets.PublishPacket:
			s.handlePublish(link, p)
		case *packets.PubackPacket:
			s.handleAck(p.MessageID, 1)
		case *packets.PubrecPacket:
			s.handlePubrec(link, p.MessageID)
		case *packets.PubcompPacket:
			s.handleAck(p.MessageID, 2)
		case *packets.PubrelPacket:
			delete(s.inboundQoS2, p.MessageID)
			s.reply(link, mqtt.NewPubcomp(p.MessageID))
		case *packets.SubackPacket:
			s.resolve(p.MessageID, p)
		case *packets.UnsubackPacket:
			s.resolve(p.MessageID, p)
		case *packets.PingrespPacket:
		default:
			s.logger.Warn("unexpected packet from broker", "session_id", s.id, "type", fmt.Sprintf("%T", pkt))
		}
	}
}

func (s *Session) reply(link *mqtt.Link, pkt packets.ControlPacket) {
	if err := link.WritePacket(pkt); err != nil {
		s.logger.Debug("acknowledgement write failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) resolve(id uint16, pkt packets.ControlPacket) {
	if !s.pending.resolve(id, pkt) {
		s.logger.Debug("unexpected acknowledgement", "session_id", s.id, "message_id", id)
	}
}

// handleAck completes a QoS 1 publish on PUBACK or a QoS 2 publish on PUBCOMP.
func (s *Session) handleAck(id uint16, qos byte) {
	m, ok := s.inflight.get(id)
	if !ok {
		s.logger.Debug("acknowledgement for unknown message", "session_id", s.id, "message_id", id)
		return
	}
	if m.qos != qos {
		s.logger.Warn("acknowledgement does not match message QoS", "session_id", s.id, "message_id", id, "qos", m.qos)
		return
	}
	if s.forget(id) {
		m.complete(nil)
	}
}

func (s *Session) handlePubrec(link *mqtt.Link, id uint16) {
	if m, ok := s.inflight.get(id); ok && m.qos == 2 {
		m.released.Store(true)
	}
	s.reply(link, mqtt.NewPubrel(id))
}

func (s *Session) handlePublish(link *mqtt.Link, p *packets.PublishPacket) {
	msg := mqtt.MessageFromPublish(p, time.Now().UTC())

	switch p.Qos {
	case 2:
		if _, seen := s.inboundQoS2[p.MessageID]; !seen {
			s.inboundQoS2[p.MessageID] = struct{}{}
			s.deliver(msg)
		}
		s.reply(link, mqtt.NewPubrec(p.MessageID))
	case 1:
		s.deliver(msg)
		s.reply(link, mqtt.NewPuback(p.MessageID))
	default:
		s.deliver(msg)
	}
}

// deliver updates the state cache, then hands msg to each matching consumer
// exactly once, in arrival order. A panicking consumer is logged and skipped.
// Consumers run on the supervisor; see topic.Handler for what they must not
// call synchronously.
func (s *Session) deliver(msg mqtt.Message) {
	if s.cache != nil {
		s.cache.Update(msg)
	}

	for _, c := range s.registry.Match(msg.Topic()) {
		var pc panics.Catcher
		pc.Try(func() { c.Handle(msg) })
		if r := pc.Recovered(); r != nil {
			s.logger.Error("consumer panicked", "session_id", s.id, "consumer", c.ID, "topic", msg.Topic(), "panic", r.Value)
		}
	}

	s.observer.MessageReceived(s.id, msg)
}
