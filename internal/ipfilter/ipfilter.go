// Package ipfilter admits or denies requests by client address membership in
// a compiled CIDR set. Compilation happens once at construction; the request
// path is a linear scan over netip prefixes.
package ipfilter

import (
	"fmt"
	"net/netip"
)

// Mode selects how the address set is interpreted.
type Mode string

const (
	// Whitelist admits only addresses inside the set.
	Whitelist Mode = "whitelist"
	// Blacklist denies addresses inside the set and admits the rest.
	Blacklist Mode = "blacklist"
)

// Filter is an immutable compiled address filter.
type Filter struct {
	mode     Mode
	prefixes []netip.Prefix
}

// New compiles the filter. Entries may be CIDR blocks or single addresses;
// single addresses become /32 (or /128 for IPv6) prefixes.
func New(mode Mode, entries []string) (*Filter, error) {
	switch mode {
	case Whitelist, Blacklist:
	case "":
		mode = Blacklist
	default:
		return nil, fmt.Errorf("ipfilter: unknown mode %q", mode)
	}

	f := &Filter{mode: mode, prefixes: make([]netip.Prefix, 0, len(entries))}
	for _, entry := range entries {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, aerr := netip.ParseAddr(entry)
			if aerr != nil {
				return nil, fmt.Errorf("ipfilter: invalid entry %q: %w", entry, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		f.prefixes = append(f.prefixes, p)
	}
	return f, nil
}

// Mode returns the filter's mode.
func (f *Filter) Mode() Mode { return f.mode }

// Allow reports whether the client address passes the filter. Unparseable
// addresses are denied in whitelist mode and admitted in blacklist mode:
// a corrupt address can never match a blacklist entry.
func (f *Filter) Allow(clientAddr string) bool {
	addr, err := netip.ParseAddr(clientAddr)
	if err != nil {
		return f.mode == Blacklist
	}
	addr = addr.Unmap()

	member := false
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			member = true
			break
		}
	}
	if f.mode == Whitelist {
		return member
	}
	return !member
}
