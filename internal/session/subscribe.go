package session

import (
	"context"
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/topic"
)

// Subscribe registers consumer for filter.
//
// The broker is only asked when the filter is new or its QoS rises. Any
// failure rolls the registry back to what it held before the call.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte, consumer topic.Consumer) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	prev, existed := s.registry.Lookup(filter)
	if _, err := s.registry.Subscribe(filter, qos, consumer); err != nil {
		return err
	}
	rollback := func() {
		if existed {
			s.registry.Restore(prev)
		} else {
			s.registry.Remove(filter)
		}
	}

	if existed && qos <= prev.QoS {
		s.logger.Debug("consumer added to existing subscription", "session_id", s.id, "filter", filter, "consumer", consumer.ID)
		return nil
	}

	link := s.link.Load()
	if link == nil {
		rollback()
		return ErrNotConnected
	}

	id, err := s.ids.acquire()
	if err != nil {
		rollback()
		return err
	}
	defer s.ids.release(id)

	sub, _ := s.registry.Lookup(filter)
	ack, err := s.roundTrip(ctx, link, id, mqtt.NewSubscribePacket(id, []string{filter}, []byte{sub.QoS}))
	if err != nil {
		rollback()
		return err
	}

	suback, ok := ack.(*packets.SubackPacket)
	if !ok {
		rollback()
		return fmt.Errorf("%w: expected SUBACK, got %T", mqtt.ErrProtocol, ack)
	}
	if rejected, bad := mqtt.SubackError(suback, []string{filter}); bad {
		rollback()
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, rejected)
	}

	s.logger.Info("subscribed", "session_id", s.id, "filter", filter, "qos", sub.QoS, "consumer", consumer.ID)
	s.observer.StateChanged(s.Status())
	return nil
}

// Unsubscribe detaches a consumer. The broker is told only when the last
// consumer of filter leaves. Unknown filters and consumers are a no-op.
func (s *Session) Unsubscribe(ctx context.Context, filter, consumerID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.registry.Unsubscribe(filter, consumerID) {
		return nil
	}
	s.observer.StateChanged(s.Status())

	link := s.link.Load()
	if link == nil {
		// The filter is gone locally; a reconnect will not restore it.
		return nil
	}

	id, err := s.ids.acquire()
	if err != nil {
		return err
	}
	defer s.ids.release(id)

	if _, err := s.roundTrip(ctx, link, id, mqtt.NewUnsubscribePacket(id, filter)); err != nil {
		return err
	}
	s.logger.Info("unsubscribed", "session_id", s.id, "filter", filter)
	return nil
}

// roundTrip writes pkt and waits for the acknowledgement carrying id.
func (s *Session) roundTrip(ctx context.Context, link *mqtt.Link, id uint16, pkt packets.ControlPacket) (packets.ControlPacket, error) {
	ch := s.pending.add(id)
	defer s.pending.remove(id)

	if err := link.WritePacket(pkt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			if s.isClosed() {
				return nil, ErrSessionClosed
			}
			return nil, ErrNotConnected
		}
		return ack, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSessionClosed
	}
}

// resubscribe re-issues every registered filter in a single SUBSCRIBE. The
// SUBACK is read by the supervisor, so the wait happens on its own goroutine.
func (s *Session) resubscribe(link *mqtt.Link) {
	entries := s.registry.Entries()
	if len(entries) == 0 {
		return
	}

	filters := make([]string, len(entries))
	qoss := make([]byte, len(entries))
	for i, e := range entries {
		filters[i] = e.Filter
		qoss[i] = e.QoS
	}

	id, err := s.ids.acquire()
	if err != nil {
		s.logger.Error("cannot resubscribe", "session_id", s.id, "error", err)
		return
	}
	ch := s.pending.add(id)

	if err := link.WritePacket(mqtt.NewSubscribePacket(id, filters, qoss)); err != nil {
		s.pending.remove(id)
		s.ids.release(id)
		s.logger.Warn("resubscribe write failed", "session_id", s.id, "error", err)
		return
	}

	go func() {
		defer s.ids.release(id)
		defer s.pending.remove(id)

		timer := time.NewTimer(s.ackTimeout)
		defer timer.Stop()

		select {
		case ack, ok := <-ch:
			if !ok {
				return
			}
			if suback, isSuback := ack.(*packets.SubackPacket); isSuback {
				if rejected, bad := mqtt.SubackError(suback, filters); bad {
					s.logger.Warn("broker rejected filter on resubscribe", "session_id", s.id, "filter", rejected)
					return
				}
			}
			s.logger.Info("resubscribed", "session_id", s.id, "filters", len(filters))
		case <-timer.C:
			s.logger.Warn("resubscribe not acknowledged", "session_id", s.id)
		case <-s.closed:
		}
	}()
}
