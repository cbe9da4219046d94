package mqtt

import (
	"net"
	"strconv"

	"github.com/nugget/envnode/internal/config"
)

// Endpoint is one candidate broker address.
type Endpoint struct {
	Host   string
	Port   int
	Scheme string // tcp, tls, ws or wss
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint as a URL-like string for logs.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Addr()
}

// Candidates returns the broker endpoints in priority order: the
// configured host first, then each fallback host on the same port and
// scheme. Empty and duplicate hosts are skipped. The list is computed
// once at boot and not changed afterwards.
func Candidates(cfg config.MQTTConfig) []Endpoint {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "tcp"
	}

	seen := make(map[string]bool)
	var out []Endpoint
	for _, host := range append([]string{cfg.Host}, cfg.FallbackHosts...) {
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, Endpoint{Host: host, Port: cfg.Port, Scheme: scheme})
	}
	return out
}
