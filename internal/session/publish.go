package session

import (
	"context"
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// queued is one entry in the outbound queue. QoS 0 publishes carry a ready
// packet and a sent channel; QoS 1/2 publishes carry their in-flight record.
type queued struct {
	msg  *outboundMessage
	pkt  packets.ControlPacket
	sent chan error
}

func (q *queued) fail(err error) {
	if q.sent != nil {
		q.sent <- err
	}
}

// Publish sends payload to topicName.
//
// QoS 0 returns once the packet is written. QoS 1 and 2 return once the
// broker acknowledges; the message is resent with DUP every retry interval
// and fails with ErrDeliveryTimeout after the configured number of retries.
// Retries are counted while disconnected too.
func (s *Session) Publish(ctx context.Context, topicName string, payload []byte, qos byte, retained bool) (PublishAck, error) {
	if err := topic.ValidateTopic(topicName); err != nil {
		return PublishAck{}, err
	}
	if err := mqtt.ValidateQoS(qos); err != nil {
		return PublishAck{}, err
	}
	if err := mqtt.ValidatePayload(payload); err != nil {
		return PublishAck{}, err
	}
	if s.isClosed() {
		return PublishAck{}, ErrSessionClosed
	}
	if s.link.Load() == nil {
		return PublishAck{}, ErrNotConnected
	}

	if qos == 0 {
		q := &queued{
			pkt:  mqtt.NewPublishPacket(topicName, payload, 0, retained, 0),
			sent: make(chan error, 1),
		}
		if err := s.enqueue(ctx, q); err != nil {
			return PublishAck{}, err
		}
		select {
		case err := <-q.sent:
			if err != nil {
				return PublishAck{}, err
			}
			return PublishAck{QoS: 0}, nil
		case <-ctx.Done():
			return PublishAck{}, ctx.Err()
		case <-s.closed:
			return PublishAck{}, ErrSessionClosed
		}
	}

	id, err := s.ids.acquire()
	if err != nil {
		return PublishAck{}, err
	}
	m := &outboundMessage{
		id:       id,
		topic:    topicName,
		payload:  append([]byte(nil), payload...),
		qos:      qos,
		retained: retained,
		done:     make(chan error, 1),
	}
	s.inflight.add(m)

	if err := s.enqueue(ctx, &queued{msg: m}); err != nil {
		s.forget(id)
		return PublishAck{}, err
	}
	return s.awaitAck(ctx, m)
}

// enqueue waits up to the queue timeout for room in the outbound queue.
func (s *Session) enqueue(ctx context.Context, q *queued) error {
	select {
	case s.queue <- q:
		return nil
	default:
	}

	timer := time.NewTimer(s.publishCfg.QueueTimeout)
	defer timer.Stop()

	select {
	case s.queue <- q:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// awaitAck drives retries for m until it completes, times out or the
// caller gives up.
func (s *Session) awaitAck(ctx context.Context, m *outboundMessage) (PublishAck, error) {
	ticker := time.NewTicker(s.publishCfg.RetryInterval)
	defer ticker.Stop()

	result := func(err error) (PublishAck, error) {
		if err != nil {
			return PublishAck{}, err
		}
		return PublishAck{MessageID: m.id, QoS: m.qos}, nil
	}

	retries := 0
	for {
		select {
		case err := <-m.done:
			return result(err)

		case <-ticker.C:
			if retries >= s.publishCfg.MaxRetries {
				if s.forget(m.id) {
					s.logger.Warn("publish not acknowledged", "session_id", s.id, "topic", m.topic, "message_id", m.id, "retries", retries)
					return PublishAck{}, fmt.Errorf("%w: message %d on %q after %d retries", ErrDeliveryTimeout, m.id, m.topic, retries)
				}
				// An acknowledgement won the race; its result is on m.done.
				continue
			}
			retries++
			if link := s.link.Load(); link != nil {
				if err := link.WritePacket(m.packet(true)); err != nil {
					s.logger.Debug("resend failed", "session_id", s.id, "message_id", m.id, "error", err)
				}
			}

		case <-ctx.Done():
			if s.forget(m.id) {
				return PublishAck{}, ctx.Err()
			}
			return result(<-m.done)

		case <-s.closed:
			s.forget(m.id)
			return PublishAck{}, ErrSessionClosed
		}
	}
}

// forget drops an in-flight message and frees its packet ID. It reports
// false when someone else already removed it.
func (s *Session) forget(id uint16) bool {
	if _, ok := s.inflight.remove(id); ok {
		s.ids.release(id)
		return true
	}
	return false
}

// writeLoop drains the outbound queue onto the current link.
func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case q := <-s.queue:
			s.write(q)
		case <-s.closed:
			for {
				select {
				case q := <-s.queue:
					q.fail(ErrSessionClosed)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(q *queued) {
	link := s.link.Load()

	if q.msg != nil {
		if _, ok := s.inflight.get(q.msg.id); !ok {
			return // cancelled while queued
		}
		if link == nil {
			return // resent after reconnect
		}
		if err := link.WritePacket(q.msg.packet(false)); err != nil {
			s.logger.Debug("publish write failed", "session_id", s.id, "message_id", q.msg.id, "error", err)
		}
		return
	}

	if link == nil {
		q.sent <- ErrNotConnected
		return
	}
	if err := link.WritePacket(q.pkt); err != nil {
		q.sent <- fmt.Errorf("%w: %w", ErrNotConnected, err)
		return
	}
	q.sent <- nil
}

// resendInflight rewrites every unacknowledged message on a fresh link.
func (s *Session) resendInflight(link *mqtt.Link) {
	for _, m := range s.inflight.snapshot() {
		if err := link.WritePacket(m.packet(true)); err != nil {
			s.logger.Debug("resend after reconnect failed", "session_id", s.id, "message_id", m.id, "error", err)
			return
		}
	}
}
