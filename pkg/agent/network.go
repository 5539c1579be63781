// Package agent implements the connection agent: a reconnecting control
// client that bridges external endpoints with internal ones under the
// instruction of a remote gateway.
package agent

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cluvio/agent/pkg/protocol"
	"golang.org/x/net/idna"
)

// Network is one entry of an address allow-list: an IP network, an exact DNS
// name, or a DNS name pattern.
type Network struct {
	prefix netip.Prefix
	name   string
	pat    *DnsPattern
}

// ParseNetwork parses an allow-list entry.
//
// The accepted forms are a CIDR prefix ("10.0.0.0/8"), a single IP address
// ("10.1.2.3", equivalent to a full-length prefix), a DNS name pattern
// ("*.example.com") or a DNS name ("db.example.com").
func ParseNetwork(s string) (Network, error) {
	if strings.ContainsRune(s, '/') {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Network{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return Network{prefix: p.Masked()}, nil
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		p, err := ip.Prefix(ip.BitLen())
		if err != nil {
			return Network{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return Network{prefix: p}, nil
	}
	if strings.HasPrefix(s, "*.") {
		p, err := ParseDnsPattern(s)
		if err != nil {
			return Network{}, err
		}
		return Network{pat: &p}, nil
	}
	name, err := hostname(s)
	if err != nil {
		return Network{}, fmt.Errorf("network %q is neither an IP network nor a DNS name (pattern): %w", s, err)
	}
	return Network{name: name}, nil
}

// UnmarshalText implements encoding.TextUnmarshaler so that allow-lists can
// be decoded straight from configuration.
func (n *Network) UnmarshalText(b []byte) error {
	v, err := ParseNetwork(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

func (n Network) String() string {
	switch {
	case n.pat != nil:
		return n.pat.String()
	case n.name != "":
		return n.name
	default:
		return n.prefix.String()
	}
}

// allows reports whether addr is covered by this entry. IP addresses only
// match IP networks; names only match DNS entries.
func (n Network) allows(addr protocol.Address) bool {
	if addr.IsIP() {
		return n.prefix.IsValid() && n.prefix.Contains(addr.IP.Unmap())
	}
	switch {
	case n.pat != nil:
		return n.pat.Matches(addr.Name)
	case n.name != "":
		return strings.EqualFold(n.name, addr.Name)
	default:
		return false
	}
}

// DefaultNetworks returns the allow-list used when none is configured: all
// IPv4, all IPv6, and every DNS name.
func DefaultNetworks() []Network {
	all := DnsPattern{all: true}
	return []Network{
		{prefix: netip.PrefixFrom(netip.IPv4Unspecified(), 0)},
		{prefix: netip.PrefixFrom(netip.IPv6Unspecified(), 0)},
		{pat: &all},
	}
}

// CheckedAddr is an address that has passed a whitelist check. It can only
// be obtained from Check.
type CheckedAddr struct {
	addr protocol.Address
}

// Addr returns the underlying address.
func (c CheckedAddr) Addr() protocol.Address {
	return c.addr
}

func (c CheckedAddr) String() string {
	return c.addr.String()
}

// Check proves that addr is covered by the given allow-list, or fails with
// an error naming the address.
func Check(addr protocol.Address, list []Network) (CheckedAddr, error) {
	for _, n := range list {
		if n.allows(addr) {
			return CheckedAddr{addr: addr}, nil
		}
	}
	return CheckedAddr{}, fmt.Errorf("address %s not allowed", addr)
}

// hostname validates and normalises a DNS host name.
func hostname(s string) (string, error) {
	name, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("empty host name")
	}
	return name, nil
}
