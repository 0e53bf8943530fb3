package urlvalidation

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Option configures URL validation behavior.
type Option func(*validationConfig)

type validationConfig struct {
	allowPrivate bool
	requireHTTPS bool
	resolve      func(ctx context.Context, host string) ([]string, error)
}

// AllowPrivateIPs disables the private IP check. Use only in tests.
func AllowPrivateIPs() Option {
	return func(c *validationConfig) {
		c.allowPrivate = true
	}
}

// RequireHTTPS rejects plain http URLs. Platform webhook registration uses it.
func RequireHTTPS() Option {
	return func(c *validationConfig) {
		c.requireHTTPS = true
	}
}

// WithResolver replaces DNS resolution.
func WithResolver(fn func(ctx context.Context, host string) ([]string, error)) Option {
	return func(c *validationConfig) {
		c.resolve = fn
	}
}

// ValidateEndpointURL checks that a URL is safe for outbound calls from
// scenario hooks or for registration as a platform webhook. Hosts that
// resolve to private or reserved addresses are rejected.
func ValidateEndpointURL(ctx context.Context, rawURL string, opts ...Option) error {
	cfg := validationConfig{resolve: net.DefaultResolver.LookupHost}
	for _, opt := range opts {
		opt(&cfg)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && !cfg.requireHTTPS:
	default:
		return fmt.Errorf("URL scheme %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if cfg.allowPrivate {
		return nil
	}

	var addrs []string
	if _, err := netip.ParseAddr(host); err == nil {
		addrs = []string{host}
	} else {
		addrs, err = cfg.resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("cannot resolve hostname %q: %w", host, err)
		}
	}

	for _, a := range addrs {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if isPrivateAddr(addr) {
			return fmt.Errorf("URL resolves to private/reserved IP %s", a)
		}
	}
	return nil
}

var reservedPrefixes = mustPrefixes(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}
