package types

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"
)

// ErrInvalidPolicy is returned by SessionPolicy.Validate.
var ErrInvalidPolicy = errors.New("invalid session policy")

// SessionPolicy governs the browsing session launched after a successful
// login. It is produced by the remote authority and never mutated locally.
type SessionPolicy struct {
	// StartURL is the absolute URL the session opens on
	StartURL string

	// Incognito requests an ephemeral browser profile
	Incognito bool

	// MaxNavigationTimeout bounds every navigation (0 means use the default)
	MaxNavigationTimeout time.Duration

	// AllowedDomains lists the host patterns navigation is restricted to.
	// An empty list allows every host.
	AllowedDomains []string
}

// PolicyPayload is the JSON form served by GET /browser-settings. The YAML
// tags let the authority read it from its config file.
type PolicyPayload struct {
	StartURL             string   `json:"start_url" yaml:"start_url"`
	Incognito            bool     `json:"incognito" yaml:"incognito"`
	MaxNavigationTimeout uint64   `json:"max_navigation_timeout" yaml:"max_navigation_timeout"`
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowed_domains"`
}

// MaxNavigationTimeoutMillis is the largest wire timeout representable as a
// time.Duration.
const MaxNavigationTimeoutMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Policy converts the wire payload into a SessionPolicy. The timeout is
// expressed in milliseconds on the wire; values beyond
// MaxNavigationTimeoutMillis are rejected with ErrInvalidPolicy.
func (p PolicyPayload) Policy() (SessionPolicy, error) {
	if p.MaxNavigationTimeout > MaxNavigationTimeoutMillis {
		return SessionPolicy{}, fmt.Errorf("%w: max_navigation_timeout %dms exceeds %dms",
			ErrInvalidPolicy, p.MaxNavigationTimeout, MaxNavigationTimeoutMillis)
	}

	domains := make([]string, len(p.AllowedDomains))
	copy(domains, p.AllowedDomains)

	return SessionPolicy{
		StartURL:             p.StartURL,
		Incognito:            p.Incognito,
		MaxNavigationTimeout: time.Duration(p.MaxNavigationTimeout) * time.Millisecond,
		AllowedDomains:       domains,
	}, nil
}

// Validate converts the payload and checks the resulting policy.
func (p PolicyPayload) Validate() error {
	policy, err := p.Policy()
	if err != nil {
		return err
	}
	return policy.Validate()
}

// Payload converts the policy back into its wire form.
func (p SessionPolicy) Payload() PolicyPayload {
	domains := make([]string, len(p.AllowedDomains))
	copy(domains, p.AllowedDomains)

	return PolicyPayload{
		StartURL:             p.StartURL,
		Incognito:            p.Incognito,
		MaxNavigationTimeout: uint64(p.MaxNavigationTimeout / time.Millisecond),
		AllowedDomains:       domains,
	}
}

// Validate checks the policy invariants: the start URL must be absolute with
// a host, every allowed domain must be a usable pattern, and the start URL
// must itself be reachable under the allow-list.
func (p SessionPolicy) Validate() error {
	startURL, err := ParseAbsoluteURL(p.StartURL)
	if err != nil {
		return fmt.Errorf("%w: start_url: %w", ErrInvalidPolicy, err)
	}

	if p.MaxNavigationTimeout < 0 {
		return fmt.Errorf("%w: max_navigation_timeout must not be negative", ErrInvalidPolicy)
	}

	allow, err := NewAllowList(p.AllowedDomains)
	if err != nil {
		return fmt.Errorf("%w: allowed_domains: %w", ErrInvalidPolicy, err)
	}

	if !allow.AllowsHost(startURL.Hostname()) {
		return fmt.Errorf("%w: start_url host %q is not in allowed_domains", ErrInvalidPolicy, startURL.Hostname())
	}

	return nil
}

// AllowList compiles the policy's allowed domains. Callers should Validate
// first; an invalid list yields an error here as well.
func (p SessionPolicy) AllowList() (*AllowList, error) {
	return NewAllowList(p.AllowedDomains)
}

// ParseAbsoluteURL parses raw and requires a scheme and a host.
func ParseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url %q: %w", raw, err)
	}

	if !u.IsAbs() {
		return nil, fmt.Errorf("url %q is not absolute", raw)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}

	return u, nil
}
