package redisr

import (
	"net"
	"strings"
)

const (
	defaultRedisPort    = "6379"
	defaultSentinelPort = "26379"
)

// normAddrs normalizes a list of node addresses: whitespace is
// trimmed, empty entries are dropped, and def is applied as the port
// when an address carries none.
func normAddrs(addrs []string, def string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, normAddr(a, def))
	}
	return out
}

func normAddr(addr, def string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	host := addr
	// bare bracketed IPv6 literal without a port
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return net.JoinHostPort(host, def)
}
