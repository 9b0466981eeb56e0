// Package mqtt provides the MQTT 3.1.1 transport for mqttlink.
//
// This package manages:
//   - Dialing brokers over tcp, ssl/tls, ws and wss
//   - The CONNECT/CONNACK handshake and its error taxonomy
//   - Atomic packet writes and keepalive on an established Link
//   - Last Will and Testament (LWT) for offline detection
//   - Reconnect backoff and optional mDNS broker discovery
//
// It deliberately stops at the connection. Subscriptions, acknowledgements
// and reconnection live in the session package, which drives Links built
// here.
//
// # Architecture
//
//	session.Session ─ Connector.Connect ─▶ Link ↔ broker
//	                   (dial, CONNECT)      (ReadPacket / WritePacket / keepalive)
//
// Packets are encoded and decoded with the paho packets codec.
//
// # Security Considerations
//
//   - ssl, tls and wss require TLS 1.2 or newer
//   - Credentials are sent in CONNECT; use TLS for anything but a lab broker
//   - CONNACK codes 4 and 5 surface as ErrAuthRejected and are never retried
//
// # Performance Characteristics
//
//   - One buffered write per packet; no per-packet goroutines
//   - Reconnect: exponential backoff 1s-30s with full jitter
//   - Keepalive detects a dead broker within 1.5x the keepalive interval
//
// # Usage
//
//	opts := mqtt.NewOptions(target, cfg.MQTT)
//	link, err := mqtt.NewConnector(opts).Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//
//	pub := mqtt.NewPublishPacket(mqtt.Topics{}.LEDControl(), []byte(mqtt.LEDOn), 0, false, 0)
//	err = link.WritePacket(pub)
package mqtt
