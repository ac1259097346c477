package session

import (
	"net"
	"strings"
)

// FactoryNetwork decides whether a client address belongs to the plant
// network. FACTORY_ONLY users may only hold sessions from inside it.
type FactoryNetwork struct {
	exact map[string]struct{}
	cidrs []*net.IPNet
}

// rfc1918 plus loopback; the factory floor always sits on private
// addressing, so these are accepted even with no explicit config.
var defaultRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
}

func NewFactoryNetwork(exactIPs, cidrs []string) *FactoryNetwork {
	fn := &FactoryNetwork{exact: make(map[string]struct{})}

	for _, ip := range exactIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			fn.exact[ip] = struct{}{}
		}
	}

	for _, c := range append(append([]string{}, defaultRanges...), cidrs...) {
		if _, ipnet, err := net.ParseCIDR(strings.TrimSpace(c)); err == nil {
			fn.cidrs = append(fn.cidrs, ipnet)
		}
	}
	return fn
}

// Contains reports whether addr (an IP, optionally with port) is inside
// the factory network.
func (fn *FactoryNetwork) Contains(addr string) bool {
	if addr == "" {
		return false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSpace(addr)

	if addr == "localhost" {
		return true
	}
	if _, ok := fn.exact[addr]; ok {
		return true
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, ipnet := range fn.cidrs {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
