package agent

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// DnsPattern matches domain names by suffix, following the domain-matching
// rules of RFC 6265, section 5.1.3.
//
// The zero value matches nothing; a pattern parsed from "*." matches every
// name.
type DnsPattern struct {
	suffix string
	all    bool
}

// ParseDnsPattern parses a pattern of the form "*.suffix". The bare pattern
// "*." matches every domain.
func ParseDnsPattern(s string) (DnsPattern, error) {
	rem, ok := strings.CutPrefix(s, "*.")
	if !ok {
		return DnsPattern{}, fmt.Errorf("invalid DNS name pattern %q", s)
	}
	if rem == "" {
		return DnsPattern{all: true}, nil
	}
	suffix, err := idna.Lookup.ToASCII(rem)
	if err != nil {
		return DnsPattern{}, fmt.Errorf("invalid DNS name pattern %q: %w", s, err)
	}
	return DnsPattern{suffix: suffix}, nil
}

// Matches reports whether domain matches this pattern: the pattern suffix
// must equal the tail of the domain (ASCII case-insensitive), and the part
// before it, if any, must end with a dot.
func (p DnsPattern) Matches(domain string) bool {
	if p.all {
		return true
	}
	if p.suffix == "" {
		return false
	}
	ours := p.suffix
	theirs := domain
	for len(ours) > 0 {
		if len(theirs) == 0 {
			return false
		}
		oc := lowerASCII(ours[len(ours)-1])
		tc := lowerASCII(theirs[len(theirs)-1])
		if oc != tc {
			return false
		}
		ours = ours[:len(ours)-1]
		theirs = theirs[:len(theirs)-1]
	}
	return len(theirs) == 0 || theirs[len(theirs)-1] == '.'
}

func (p DnsPattern) String() string {
	return "*." + p.suffix
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
