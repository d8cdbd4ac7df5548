package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"
)

// Policy is the per-extension network policy taken from its manifest.
type Policy struct {
	// RateLimit is the sustained request rate in requests per second.
	// Zero or negative means one request per second.
	RateLimit float64
	Burst     int
	// AllowedHosts are glob patterns matched against the URL host, for
	// example "*.example.com" or "cdn-{a,b}.example.org". Empty allows all.
	AllowedHosts []string
}

func (p Policy) limiter() *rate.Limiter {
	r := p.RateLimit
	if r <= 0 {
		r = 1
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// Validate checks that every allowed host pattern is a valid glob.
func (p Policy) Validate() error {
	for _, pattern := range p.AllowedHosts {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid allowed_hosts pattern %q", pattern)
		}
	}
	return nil
}

// checkURL parses raw and verifies its scheme and host against the policy.
func (p Policy) checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrHostNotAllowed, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrHostNotAllowed)
	}
	if len(p.AllowedHosts) == 0 {
		return u, nil
	}
	for _, pattern := range p.AllowedHosts {
		if ok, _ := doublestar.Match(strings.ToLower(pattern), host); ok {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}
