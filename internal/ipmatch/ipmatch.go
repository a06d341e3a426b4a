// Package ipmatch matches client addresses against allow and deny lists.
// Entries are exact addresses ("10.0.0.1"), CIDR blocks ("10.0.0.0/8") or
// dotted wildcard prefixes ("192.168.*").
package ipmatch

import (
	"fmt"
	"net/netip"
	"strings"
)

// Any reports whether ip matches at least one pattern. Unparseable
// addresses and patterns never match.
func Any(ip string, patterns []string) bool {
	addr, ok := parseAddr(ip)
	if !ok {
		return false
	}
	for _, p := range patterns {
		if match(addr, strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}

// Match reports whether ip matches pattern.
func Match(ip, pattern string) bool {
	return Any(ip, []string{pattern})
}

func match(addr netip.Addr, pattern string) bool {
	switch {
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasSuffix(prefix, ".") && !strings.HasSuffix(prefix, ":") {
			return false
		}
		return strings.HasPrefix(addr.String(), prefix)
	case strings.Contains(pattern, "/"):
		pfx, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		return pfx.Masked().Contains(addr)
	default:
		want, ok := parseAddr(pattern)
		return ok && want == addr
	}
}

// Validate checks that every pattern is well formed. It is meant for
// admin input; Any tolerates bad entries.
func Validate(patterns []string) error {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			return fmt.Errorf("empty ip pattern")
		case strings.HasSuffix(p, "*"):
			prefix := strings.TrimSuffix(p, "*")
			if prefix == "" || (!strings.HasSuffix(prefix, ".") && !strings.HasSuffix(prefix, ":")) {
				return fmt.Errorf("ip pattern %q: wildcard must follow a separator", p)
			}
		case strings.Contains(p, "/"):
			if _, err := netip.ParsePrefix(p); err != nil {
				return fmt.Errorf("ip pattern %q: %w", p, err)
			}
		default:
			if _, ok := parseAddr(p); !ok {
				return fmt.Errorf("ip pattern %q: not an ip address", p)
			}
		}
	}
	return nil
}

// parseAddr accepts plain and IPv4-mapped IPv6 addresses and drops zones.
func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
