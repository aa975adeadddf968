// Package dns implements the DNS listener and the classify/cache/forward
// pipeline each query runs through.
package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"blackhole-dns/pkg/cache"
	"blackhole-dns/pkg/config"
	"blackhole-dns/pkg/forwarder"
	"blackhole-dns/pkg/logging"
	"blackhole-dns/pkg/rules"
	"blackhole-dns/pkg/storage"
	"blackhole-dns/pkg/telemetry"

	"github.com/miekg/dns"
)

// Handler resolves a single DNS query: classify the name against the rule
// store, then either synthesize a block response, serve from cache, or
// forward upstream.
type Handler struct {
	cfg      *config.Config
	rules    *rules.Manager
	fwd      *forwarder.Forwarder
	cache    *cache.Cache
	store    storage.Storage
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	sinkhole net.IP
}

// NewHandler creates a new DNS query handler
func NewHandler(cfg *config.Config, ruleManager *rules.Manager, fwd *forwarder.Forwarder, logger *logging.Logger, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		rules:    ruleManager,
		fwd:      fwd,
		logger:   logger,
		metrics:  metrics,
		sinkhole: net.ParseIP(cfg.SinkholeAddress),
	}
}

// SetCache attaches the answer cache
func (h *Handler) SetCache(c *cache.Cache) {
	h.cache = c
}

// SetStorage attaches the query log backend
func (h *Handler) SetStorage(s storage.Storage) {
	h.store = s
}

// ServeDNS processes a single DNS query
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()

	// A query with no question section has nothing to answer; drop it
	// rather than guessing at a reply.
	if r == nil || len(r.Question) == 0 {
		if h.metrics != nil {
			h.metrics.ProtocolErrors.Add(ctx, 1)
		}
		h.logger.Warn("Dropping query with empty question section", "client", getClientIP(w))
		return
	}

	question := r.Question[0]
	name := rules.Normalize(question.Name)

	entry := &storage.QueryLog{
		Timestamp: start,
		ClientIP:  getClientIP(w),
		Domain:    name,
		QueryType: dns.TypeToString[question.Qtype],
	}

	decision := h.rules.Classify(name)
	if decision.Blocked {
		h.respondBlocked(ctx, w, r, decision, entry, start)
		return
	}

	if strings.HasPrefix(decision.Kind, "allow") {
		if h.metrics != nil {
			h.metrics.AllowlistedQueries.Add(ctx, 1)
		}
		h.logger.Debug("Query allowlisted",
			"domain", name,
			"rule", decision.Rule,
			"source", decision.Source,
		)
	}

	if h.cache != nil {
		if cached := h.cache.Get(ctx, r); cached != nil {
			cached.Id = r.Id
			HandleEDNS0(r, cached)
			h.writeMsg(w, cached, name)

			entry.Outcome = storage.OutcomeCached
			entry.Cached = true
			entry.ResponseCode = cached.Rcode
			h.logQuery(ctx, entry, start)
			return
		}
	}

	h.respondForwarded(ctx, w, r, entry, start)
}

func (h *Handler) respondBlocked(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, decision rules.Decision, entry *storage.QueryLog, start time.Time) {
	resp := blockedResponse(r, h.cfg.BlockMode, h.sinkhole)
	HandleEDNS0(r, resp)
	h.writeMsg(w, resp, entry.Domain)

	if h.metrics != nil {
		h.metrics.BlockedQueries.Add(ctx, 1)
	}
	h.logger.Info("Query blocked",
		"domain", entry.Domain,
		"rule", decision.Rule,
		"source", decision.Source,
	)

	entry.Outcome = storage.OutcomeBlocked
	entry.Blocked = true
	entry.Rule = decision.Rule
	entry.ResponseCode = resp.Rcode
	h.logQuery(ctx, entry, start)
}

func (h *Handler) respondForwarded(ctx context.Context, w dns.ResponseWriter, r *dns.Msg, entry *storage.QueryLog, start time.Time) {
	resp, upstream, err := h.fwd.Forward(ctx, r)
	if err != nil {
		h.logger.Error("Upstream resolution failed",
			"domain", entry.Domain,
			"error", err,
		)

		servfail := new(dns.Msg)
		servfail.SetRcode(r, dns.RcodeServerFailure)
		HandleEDNS0(r, servfail)
		h.writeMsg(w, servfail, entry.Domain)

		entry.Outcome = storage.OutcomeError
		entry.ResponseCode = dns.RcodeServerFailure
		h.logQuery(ctx, entry, start)
		return
	}

	if h.cache != nil {
		h.cache.Set(ctx, r, resp)
	}

	resp.Id = r.Id
	HandleEDNS0(r, resp)
	h.writeMsg(w, resp, entry.Domain)

	if h.metrics != nil {
		h.metrics.ForwardedQueries.Add(ctx, 1)
	}

	entry.Outcome = storage.OutcomeForwarded
	entry.Upstream = upstream
	entry.ResponseCode = resp.Rcode
	h.logQuery(ctx, entry, start)
}

func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg, domain string) {
	if err := w.WriteMsg(msg); err != nil {
		h.logger.Error("Failed to write DNS response",
			"domain", domain,
			"error", err,
		)
	}
}

// logQuery records the query in the async log. A full buffer drops the
// entry; everything else is logged and ignored so storage problems never
// affect resolution.
func (h *Handler) logQuery(ctx context.Context, entry *storage.QueryLog, start time.Time) {
	if h.store == nil {
		return
	}

	entry.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	if err := h.store.LogQuery(ctx, entry); err != nil && err != storage.ErrBufferFull {
		h.logger.Warn("Failed to log query", "error", err)
	}
}
