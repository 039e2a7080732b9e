package app

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_utag._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API so scanners on the LAN can find the broker
// and server without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "utag"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("uTag Server (%s)", hostname))
	broker := a.cfg.MQTTBroker
	if a.broker != nil {
		if _, p, err := net.SplitHostPort(a.broker.Addr().String()); err == nil {
			broker = fmt.Sprintf("tcp://%s.local:%s", sanitizeMDNSHost(hostname), p)
		}
	}
	txt := mdnsTXT(hostname, broker, a.remote != nil)

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(hostname, broker string, locations bool) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}
	return []string{
		"proto=v1",
		"advert_topic=" + AdvertTopic,
		"mqtt_broker=" + broker,
		fmt.Sprintf("locations=%t", locations),
		"host=" + hostFQDN,
	}
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "uTag Server"
	}
	const maxLen = 63
	if runes := []rune(cleaned); len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "utag"
	}
	// Host labels must be <=63 characters.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
