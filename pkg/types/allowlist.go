package types

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"
)

const globMeta = "*?[{"

// AllowList is the compiled form of SessionPolicy.AllowedDomains.
//
// A plain pattern such as "example.com" allows the host itself and every
// subdomain of it. Patterns containing glob metacharacters are matched
// label-wise with '.' as the separator, so "*.example.com" allows
// "api.example.com" but not "example.com". A nil or empty AllowList allows
// every host.
type AllowList struct {
	patterns []string
	exact    []string
	globs    []glob.Glob
}

// NewAllowList compiles patterns. Empty patterns, patterns that fail to
// compile, and patterns that would cover a whole public suffix ("com",
// "co.uk", "*.com") are rejected.
func NewAllowList(patterns []string) (*AllowList, error) {
	a := &AllowList{patterns: make([]string, 0, len(patterns))}

	for _, raw := range patterns {
		p := normalizeHost(raw)
		if p == "" {
			return nil, fmt.Errorf("empty domain pattern")
		}

		if strings.ContainsAny(p, globMeta) {
			g, err := glob.Compile(p, '.')
			if err != nil {
				return nil, fmt.Errorf("invalid domain pattern %q: %w", raw, err)
			}
			if rest := literalSuffix(p); rest == "" || isPublicSuffix(rest) {
				return nil, fmt.Errorf("domain pattern %q is too broad", raw)
			}
			a.globs = append(a.globs, g)
		} else {
			if isPublicSuffix(p) {
				return nil, fmt.Errorf("domain pattern %q is a public suffix", raw)
			}
			a.exact = append(a.exact, p)
		}

		a.patterns = append(a.patterns, p)
	}

	return a, nil
}

// Patterns returns the normalized patterns the list was built from.
func (a *AllowList) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.patterns))
	copy(out, a.patterns)
	return out
}

// Empty reports whether the list places no restriction on navigation.
func (a *AllowList) Empty() bool {
	return a == nil || len(a.patterns) == 0
}

// AllowsHost reports whether host matches one of the patterns.
func (a *AllowList) AllowsHost(host string) bool {
	if a.Empty() {
		return true
	}

	host = normalizeHost(host)
	if host == "" {
		return false
	}

	for _, p := range a.exact {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	for _, g := range a.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// AllowsURL reports whether navigating to raw is permitted. about: URLs are
// always allowed since they never leave the browser.
func (a *AllowList) AllowsURL(raw string) bool {
	if a.Empty() {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Scheme, "about") {
		return true
	}
	return a.AllowsHost(u.Hostname())
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

// literalSuffix returns the part of a glob pattern after its last
// metacharacter, without the leading dot.
func literalSuffix(p string) string {
	i := strings.LastIndexAny(p, globMeta+"]}")
	return strings.TrimPrefix(p[i+1:], ".")
}

func isPublicSuffix(domain string) bool {
	if domain == "" {
		return true
	}
	if net.ParseIP(domain) != nil {
		return false
	}

	suffix, icann := publicsuffix.PublicSuffix(domain)
	if suffix != domain {
		return false
	}

	// Unlisted single-label names (localhost, intranet hosts) fall under the
	// implicit "*" rule and are not treated as suffixes.
	return icann || strings.Contains(domain, ".")
}
