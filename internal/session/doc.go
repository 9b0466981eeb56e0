// Package session runs MQTT client sessions against configured brokers.
//
// A Session owns one broker connection at a time and survives its loss: it
// reconnects with jittered exponential backoff, re-issues every registered
// filter and resends unacknowledged publishes. Inbound messages update the
// device state cache and reach each matching consumer exactly once.
//
// # Usage
//
//	mgr := session.NewManager(cfg.MQTT, session.WithCache(cache), session.WithLogger(logger))
//	s, err := mgr.Session(ctx, "default")
//	if err != nil {
//	    return err
//	}
//	ack, err := s.Publish(ctx, "esp8266/led/control", []byte("ON"), 1, false)
//
// # Errors
//
// Every failure can be matched with errors.Is against the sentinels in this
// package, including the connect and filter errors re-exported from lower
// layers.
package session
