package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service advertised by MQTT brokers (e.g. mosquitto with avahi).
const (
	mqttServiceType  = "_mqtt._tcp"
	mdnsDomain       = "local."
	discoveryTimeout = 5 * time.Second
)

// DiscoverFunc resolves a broker host and port.
type DiscoverFunc func(ctx context.Context, instance string) (host string, port int, err error)

// DiscoverBroker browses mDNS for an MQTT broker and returns the first
// answer. When instance is non-empty only that service instance is accepted.
// IPv4 addresses are preferred.
func DiscoverBroker(ctx context.Context, instance string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		_ = zeroconf.Browse(ctx, mqttServiceType, mdnsDomain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", 0, fmt.Errorf("%w: browse ended without a %s service", ErrDiscoveryFailed, mqttServiceType)
			}
			if entry == nil || (instance != "" && entry.Instance != instance) {
				continue
			}
			if host := entryHost(entry); host != "" && entry.Port > 0 {
				return host, entry.Port, nil
			}

		case <-removed:

		case <-ctx.Done():
			return "", 0, fmt.Errorf("%w: no %s service within %v: %w", ErrDiscoveryFailed, mqttServiceType, discoveryTimeout, ctx.Err())
		}
	}
}

func entryHost(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}
