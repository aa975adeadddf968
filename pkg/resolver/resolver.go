// Package resolver provides outbound DNS resolution against the configured
// upstreams, so fetching rule lists never depends on the host resolver
// pointing back at this process.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"blackhole-dns/pkg/logging"
)

// Resolver resolves hostnames through the configured upstream servers
// instead of /etc/resolv.conf.
type Resolver struct {
	logger    *logging.Logger
	dialer    *net.Dialer
	upstreams []string
}

// New creates a resolver over the given upstream entries. DNS-over-TLS
// entries ("tls://") are skipped since the bootstrap path speaks plain UDP;
// with no usable upstreams the system resolver is used.
func New(upstreams []string, logger *logging.Logger) *Resolver {
	plain := make([]string, 0, len(upstreams))
	for _, upstream := range upstreams {
		if strings.HasPrefix(upstream, "tls://") {
			continue
		}
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstream = net.JoinHostPort(upstream, "53")
		}
		plain = append(plain, upstream)
	}

	if len(plain) == 0 {
		logger.Warn("No plain-DNS upstreams for bootstrap resolution, using system resolver")
	} else {
		logger.Info("Bootstrap resolver initialized", "upstreams", plain)
	}

	return &Resolver{
		upstreams: plain,
		logger:    logger,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves a hostname via the upstreams in order, falling back to
// the system resolver only when all of them fail.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if len(r.upstreams) == 0 {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	var lastErr error
	for idx, upstream := range r.upstreams {
		netResolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return r.dialer.DialContext(ctx, "udp", upstream)
			},
		}

		ips, err := netResolver.LookupIP(ctx, network, host)
		if err != nil {
			lastErr = err
			r.logger.Warn("DNS resolution attempt failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			continue
		}

		return ips, nil
	}

	r.logger.Warn("All upstream DNS servers failed, falling back to system resolver",
		"host", host,
		"error", lastErr,
	)
	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, errors.Join(lastErr, err))
	}
	return ips, nil
}

// DialContext dials a network address, resolving hostnames through the
// configured upstreams. Compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}

	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// Upstreams returns the bootstrap upstream servers
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}
