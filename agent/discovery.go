package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mqttService      = "_mqtt._tcp"
	mdnsDomain       = "local."
	discoveryTimeout = 10 * time.Second
)

// Discoverer finds a broker when none is configured.
type Discoverer func(ctx context.Context) (host string, port int, err error)

// BrowseBroker returns the first MQTT broker announced over mDNS.
func BrowseBroker(ctx context.Context) (string, int, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", 0, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, mqttService, mdnsDomain, entries); err != nil {
		return "", 0, fmt.Errorf("mdns browse %s: %w", mqttService, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("no %s service found: %w", mqttService, ctx.Err())
		case e, ok := <-entries:
			if !ok {
				return "", 0, fmt.Errorf("no %s service found", mqttService)
			}
			if len(e.AddrIPv4) > 0 {
				return e.AddrIPv4[0].String(), e.Port, nil
			}
			if e.HostName != "" {
				return strings.TrimSuffix(e.HostName, "."), e.Port, nil
			}
		}
	}
}
