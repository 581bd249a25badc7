package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPFilter holds the allow and deny lists. A denied address is always
// rejected; a non-empty allow list admits only its members.
type IPFilter struct {
	allowed []netip.Prefix
	blocked []netip.Prefix
}

// NewIPFilter parses allow and deny entries, each a single address or a CIDR block.
func NewIPFilter(allowed, blocked []string) (*IPFilter, error) {
	allow, err := parsePrefixes(allowed)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed IP: %w", err)
	}
	deny, err := parsePrefixes(blocked)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked IP: %w", err)
	}
	return &IPFilter{allowed: allow, blocked: deny}, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Allowed reports whether ip passes the filter. Unparseable addresses pass
// only when no allow list is configured.
func (f *IPFilter) Allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return len(f.allowed) == 0
	}
	addr = addr.Unmap()
	for _, p := range f.blocked {
		if p.Contains(addr) {
			return false
		}
	}
	if len(f.allowed) == 0 {
		return true
	}
	for _, p := range f.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
