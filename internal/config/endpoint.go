package config

import (
	"net"
	"net/url"
	"strings"
)

// EmbeddedRelayPath is where `serve` mounts the relay.
const EmbeddedRelayPath = "/relay"

// EmbeddedRelayURL returns the relay URL served alongside the dashboard at
// addr. Wildcard hosts are dialed over loopback.
func EmbeddedRelayURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host, port = strings.TrimSpace(addr), ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	hostPort := host
	if port != "" {
		hostPort = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		hostPort = "[" + host + "]"
	}
	return "http://" + hostPort + EmbeddedRelayPath
}

// CoachingEndpoint resolves coaching.endpoint, defaulting to the embedded
// relay at server.addr.
func (c Config) CoachingEndpoint() string {
	if endpoint := strings.TrimSpace(c.Coaching.Endpoint); endpoint != "" {
		return endpoint
	}
	return EmbeddedRelayURL(c.Server.Addr)
}

// mismatchedEmbeddedRelay reports an explicit endpoint that looks like the
// embedded relay but names a different host:port than server.addr.
func mismatchedEmbeddedRelay(cfg Config) bool {
	endpoint := strings.TrimSpace(cfg.Coaching.Endpoint)
	if endpoint == "" {
		return false
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || strings.TrimRight(parsed.Path, "/") != EmbeddedRelayPath {
		return false
	}
	embedded, err := url.Parse(EmbeddedRelayURL(cfg.Server.Addr))
	if err != nil {
		return false
	}
	return !strings.EqualFold(loopbackAlias(parsed.Host), loopbackAlias(embedded.Host))
}

func loopbackAlias(hostPort string) string {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	if strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
