package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

// EndpointError says why a model endpoint was refused.
type EndpointError struct {
	URL    string
	Reason string
}

func (e *EndpointError) Error() string {
	return "endpoint " + e.URL + ": " + e.Reason
}

func (e *EndpointError) Is(target error) bool { return target == ErrEndpointNotAllowed }

// EndpointPolicy decides which base URLs a model client may be pointed at.
// The zero value only admits public https hosts.
type EndpointPolicy struct {
	AllowHTTP          bool
	AllowLocalNetworks bool
}

// LocalPolicy admits everything a developer runs on their own machine.
var LocalPolicy = EndpointPolicy{AllowHTTP: true, AllowLocalNetworks: true}

// CheckEndpoint validates rawURL against p. IP literals are checked without
// DNS lookups; hostnames are only checked by name.
func (p EndpointPolicy) CheckEndpoint(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid endpoint %q", rawURL)
	}
	refuse := func(format string, args ...interface{}) error {
		return &EndpointError{URL: rawURL, Reason: errors.Errorf(format, args...).Error()}
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return refuse("plain http is not allowed")
		}
	default:
		return refuse("unsupported scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return refuse("missing host")
	}
	if !p.AllowLocalNetworks && (host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")) {
		return refuse("local hostname %q", host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !p.AllowLocalNetworks {
		return refuse("zoned address %q", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return refuse("address %q", host)
	}
	if !p.AllowLocalNetworks && (addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		return refuse("local network address %q", host)
	}
	return nil
}
