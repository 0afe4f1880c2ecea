package ipblock

import (
	"net/netip"
	"strings"
)

// privateRanges are exempt from blocking whatever the whitelist says.
// IPv4-mapped IPv6 addresses are unmapped before matching, so the v4
// prefixes cover their ::ffff: forms too.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// parseAddress accepts an IP literal, dropping any zone and unmapping
// IPv4-mapped IPv6 forms.
func parseAddress(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// canonicalAddress is the key a source address is tracked under.
func canonicalAddress(raw string) (string, bool) {
	addr, ok := parseAddress(raw)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

func isPrivate(addr netip.Addr) bool {
	for _, prefix := range privateRanges {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// allowList is the parsed form of the configured whitelist entries.
type allowList struct {
	exact    map[string]struct{}
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

func newAllowList(entries []string) allowList {
	list := allowList{
		exact: make(map[string]struct{}, len(entries)),
		addrs: make(map[netip.Addr]struct{}, len(entries)),
	}

	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		list.exact[entry] = struct{}{}

		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil {
				if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
					prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
				}
				list.prefixes = append(list.prefixes, prefix.Masked())
			}
			continue
		}
		if addr, ok := parseAddress(entry); ok {
			list.addrs[addr] = struct{}{}
		}
	}

	return list
}

func (l allowList) contains(raw string) bool {
	if _, ok := l.exact[strings.TrimSpace(raw)]; ok {
		return true
	}

	addr, ok := parseAddress(raw)
	if !ok {
		return false
	}
	if _, ok := l.addrs[addr]; ok {
		return true
	}
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
