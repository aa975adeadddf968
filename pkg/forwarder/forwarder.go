// Package forwarder sends DNS queries to upstream resolvers with ordered
// failover and per-upstream circuit breakers.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

// ErrUpstreamsExhausted is returned when every configured upstream failed
// for a query.
var ErrUpstreamsExhausted = errors.New("all upstream servers failed")

// Upstream is a single resolved upstream endpoint.
type Upstream struct {
	// Addr is the dialable host:port.
	Addr string
	// Net is the dns.Client transport: "udp" or "tcp-tls".
	Net string
}

// String returns the upstream in its configured form.
func (u Upstream) String() string {
	if u.Net == "tcp-tls" {
		return "tls://" + u.Addr
	}
	return u.Addr
}

// Forwarder forwards DNS queries to upstream servers, trying them strictly
// in configured order.
type Forwarder struct {
	upstreams []Upstream
	timeout   time.Duration
	health    *UpstreamHealth
	logger    *logging.Logger
	metrics   *telemetry.Metrics
}

// NewForwarder creates a new DNS forwarder
func NewForwarder(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics) *Forwarder {
	upstreams := make([]Upstream, 0, len(cfg.UpstreamResolvers))
	names := make([]string, 0, len(cfg.UpstreamResolvers))
	for _, entry := range cfg.UpstreamResolvers {
		u := ParseUpstream(entry)
		upstreams = append(upstreams, u)
		names = append(names, u.String())
	}

	f := &Forwarder{
		upstreams: upstreams,
		timeout:   cfg.UpstreamTimeout,
		health:    NewUpstreamHealth(names, DefaultCircuitBreakerConfig()),
		logger:    logger,
		metrics:   metrics,
	}

	logger.Info("Forwarder initialized",
		"upstreams", names,
		"timeout", f.timeout,
	)

	return f
}

// ParseUpstream resolves a configured upstream entry into an endpoint. A
// "tls://" prefix selects DNS-over-TLS; missing ports default to 53 for
// plain DNS and 853 for TLS.
func ParseUpstream(entry string) Upstream {
	u := Upstream{Net: "udp"}
	defaultPort := "53"

	addr := entry
	if strings.HasPrefix(entry, "tls://") {
		addr = strings.TrimPrefix(entry, "tls://")
		u.Net = "tcp-tls"
		defaultPort = "853"
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	u.Addr = addr

	return u
}

// Forward sends the query to the upstreams in configured order and returns
// the first usable response along with the upstream that served it.
// Upstreams with an open circuit are skipped; if that skips everything, a
// second pass tries them anyway so a fully-down marking cannot wedge
// resolution.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, string, error) {
	if len(f.upstreams) == 0 {
		return nil, "", fmt.Errorf("no upstream DNS servers configured")
	}

	resp, served, attempted, lastErr := f.tryUpstreams(ctx, r, true)
	if resp != nil {
		return resp, served, nil
	}
	if attempted == 0 {
		resp, served, _, lastErr = f.tryUpstreams(ctx, r, false)
		if resp != nil {
			return resp, served, nil
		}
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUpstreamsExhausted, lastErr)
	}
	return nil, "", ErrUpstreamsExhausted
}

func (f *Forwarder) tryUpstreams(ctx context.Context, r *dns.Msg, healthyOnly bool) (*dns.Msg, string, int, error) {
	var lastErr error
	attempted := 0

	for _, upstream := range f.upstreams {
		if healthyOnly && !f.health.Allow(upstream.String()) {
			f.logger.Debug("Skipping unhealthy upstream", "upstream", upstream.String())
			continue
		}
		attempted++

		resp, err := f.exchange(ctx, r, upstream)
		f.health.RecordResult(upstream.String(), err)
		if err != nil {
			if f.metrics != nil {
				f.metrics.UpstreamErrors.Add(ctx, 1)
			}
			f.logger.Warn("Upstream query failed",
				"upstream", upstream.String(),
				"error", err,
			)
			lastErr = err

			// The deadline covers the whole query; once it is gone
			// there is no point in trying further upstreams.
			if ctx.Err() != nil {
				break
			}
			continue
		}

		return resp, upstream.String(), attempted, nil
	}

	return nil, "", attempted, lastErr
}

// exchange performs a single upstream exchange with a per-upstream timeout,
// retrying over TCP when the UDP response came back truncated.
func (f *Forwarder) exchange(ctx context.Context, r *dns.Msg, upstream Upstream) (*dns.Msg, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	client := &dns.Client{
		Net:     upstream.Net,
		Timeout: f.timeout,
	}

	resp, rtt, err := client.ExchangeContext(attemptCtx, r, upstream.Addr)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("received nil response from %s", upstream.Addr)
	}

	if resp.Truncated && upstream.Net == "udp" {
		f.logger.Debug("Response truncated, retrying over TCP",
			"domain", r.Question[0].Name,
			"upstream", upstream.Addr,
		)
		tcpClient := &dns.Client{
			Net:     "tcp",
			Timeout: f.timeout,
		}
		resp, rtt, err = tcpClient.ExchangeContext(attemptCtx, r, upstream.Addr)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, fmt.Errorf("received nil response from %s", upstream.Addr)
		}
	}

	if resp.Rcode == dns.RcodeServerFailure {
		return nil, fmt.Errorf("upstream %s returned SERVFAIL", upstream.Addr)
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", upstream.Addr,
		"domain", r.Question[0].Name,
		"rtt", rtt,
		"answers", len(resp.Answer),
	)

	return resp, nil
}

// Health returns the upstream health tracker
func (f *Forwarder) Health() *UpstreamHealth {
	return f.health
}

// Upstreams returns the configured upstream endpoints in failover order
func (f *Forwarder) Upstreams() []Upstream {
	return f.upstreams
}
