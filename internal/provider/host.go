package provider

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
)

// ErrInvalidHost is returned by Resolve for names that can never be looked up.
var ErrInvalidHost = errors.New("invalid host name")

// normalizeHost turns a user supplied host into the form used for lookups:
// IP literals in canonical form, names as lower case ASCII without a
// trailing dot.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.Wrap(ErrInvalidHost, "empty host name")
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidHost, "%q: %v", host, err)
	}
	ascii = strings.ToLower(strings.TrimSuffix(ascii, "."))
	if ascii == "" {
		return "", errors.Wrapf(ErrInvalidHost, "%q", host)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", errors.Wrapf(ErrInvalidHost, "%q is not a valid domain name", host)
	}
	return ascii, nil
}

// resolveIPs looks up the addresses of host. A failed DNS lookup means the
// host is currently not reachable, so it is logged and yields no addresses.
func resolveIPs(ctx context.Context, resolver *net.Resolver, host string) []net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		log.WithField("host", host).WithError(err).Trace("DNS lookup failed")
		return nil
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips
}
