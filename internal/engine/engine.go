// Package engine decides whether an inbound recipient is accepted by its
// destination exchange. It looks the domain up in the routes table, consults
// the verification cache, probes the exchange on a miss and memoizes the
// result. Every path ends in a (code, message) pair for the host; failures
// never escape as errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rcptprobe/internal/cache"
	"rcptprobe/internal/engine/metrics"
	"rcptprobe/internal/requestcontext"
	"rcptprobe/internal/routes"
	"rcptprobe/internal/verdict"
)

// Result reasons recorded on the transaction.
const (
	ReasonDomainMissing   = "domain.missing"
	ReasonDomainUnknown   = "domain.unknown"
	ReasonMXParsing       = "mx.parsing"
	ReasonLMTPUnsupported = "lmtp.unsupported"
	ReasonCacheAccept     = "cache.accept"
	ReasonCacheDeny       = "cache.deny"
	ReasonMXAccept        = "mx.accept"
	ReasonMXDeny          = "mx.deny"
)

// Host replies for policy decisions.
const (
	MsgDomainUnknown   = "Sorry, this domain not in my routes"
	MsgMXParsing       = "Backend error: Target MX parsing failed."
	MsgLMTPUnsupported = "Backend error: LMTP delivery not supported (yet)"

	cachedSuffix = " (cached)"
)

// Relay marking note: accepted recipients are queued for outbound delivery.
const (
	NoteQueueWants = "queue.wants"
	QueueOutbound  = "outbound"
)

// Registry resolves managed domains to their exchanges. It returns
// routes.ErrUnknownDomain for domains it does not manage and a
// *routes.ParseError when the configured URI is unusable.
type Registry interface {
	Exchange(domain string) (routes.Exchange, error)
}

// Cache memoizes outcomes per recipient address.
type Cache interface {
	Available(ctx context.Context) bool
	Get(ctx context.Context, address string) (cache.Entry, error)
	Put(ctx context.Context, address string, outcome verdict.Outcome, ttl time.Duration) error
}

// Prober runs one live RCPT probe. An empty sender means the prober's
// configured default.
type Prober interface {
	Probe(ctx context.Context, exchange routes.Exchange, sender, address string, timeout time.Duration) verdict.Outcome
}

// Transaction is the host's view of the current mail transaction. The host
// owns it; the engine reads its envelope sender and records results and relay
// marking on it.
type Transaction interface {
	MailFrom() string
	AddResult(r Result)
	SetNote(key, value string)
	MarkRelaying()
}

// Result is a pass or fail reason recorded on the transaction.
type Result struct {
	Pass string `json:"pass,omitempty"`
	Fail string `json:"fail,omitempty"`
}

// Source tells where a decision came from.
type Source string

const (
	SourcePolicy Source = "policy"
	SourceCache  Source = "cache"
	SourceLive   Source = "live"
)

// Decision is the verdict handed back to the host.
type Decision struct {
	Code    verdict.Code
	Message string
	Source  Source
	Reason  string
}

// Config holds the engine tunables.
type Config struct {
	PositiveTTL  time.Duration
	NegativeTTL  time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		PositiveTTL:  86400 * time.Second,
		NegativeTTL:  300 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Engine evaluates recipients.
type Engine struct {
	registry Registry
	cache    Cache
	prober   Prober
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New constructs an engine. Zero tunables take their defaults.
func New(registry Registry, c Cache, prober Prober, cfg Config, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober is required")
	}

	def := DefaultConfig()
	if cfg.PositiveTTL <= 0 {
		cfg.PositiveTTL = def.PositiveTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = def.NegativeTTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	e := &Engine{
		registry: registry,
		cache:    c,
		prober:   prober,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EvaluateRecipient decides on one recipient of txn. A nil txn means no
// transaction is active and the engine has no opinion.
func (e *Engine) EvaluateRecipient(ctx context.Context, txn Transaction, recipient string) Decision {
	start := time.Now()
	d := e.evaluate(ctx, txn, recipient)
	e.metrics.ObserveEvaluateLatency(time.Since(start))
	if d.Reason != "" {
		e.metrics.IncrementDecision(d.Reason, string(d.Source))
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, txn Transaction, recipient string) Decision {
	if txn == nil {
		return Decision{Code: verdict.Cont, Source: SourcePolicy}
	}

	address, domain := SplitAddress(recipient)
	logger := e.logger.With("address", address)
	if id := requestcontext.EvaluationID(ctx); id != "" {
		logger = logger.With("evaluation_id", id)
	}

	if domain == "" {
		txn.AddResult(Result{Fail: ReasonDomainMissing})
		return Decision{Code: verdict.Cont, Source: SourcePolicy, Reason: ReasonDomainMissing}
	}
	logger = logger.With("domain", domain)
	logger.Debug("evaluating recipient")

	exchange, err := e.registry.Exchange(domain)
	switch {
	case errors.Is(err, routes.ErrUnknownDomain):
		logger.Debug("domain not found in target domains list")
		txn.AddResult(Result{Fail: ReasonDomainUnknown})
		return Decision{Code: verdict.Deny, Message: MsgDomainUnknown, Source: SourcePolicy, Reason: ReasonDomainUnknown}
	case err != nil:
		logger.Error("not able to parse target MX", "error", err)
		txn.AddResult(Result{Fail: ReasonMXParsing})
		return Decision{Code: verdict.DenySoft, Message: MsgMXParsing, Source: SourcePolicy, Reason: ReasonMXParsing}
	}

	if exchange.Protocol == routes.ProtocolLMTP {
		logger.Error("LMTP protocol not supported", "exchange", exchange.Addr())
		txn.AddResult(Result{Fail: ReasonLMTPUnsupported})
		return Decision{Code: verdict.DenySoft, Message: MsgLMTPUnsupported, Source: SourcePolicy, Reason: ReasonLMTPUnsupported}
	}

	if d, ok := e.fromCache(ctx, logger, txn, address); ok {
		return d
	}

	outcome := e.prober.Probe(ctx, exchange, txn.MailFrom(), address, e.cfg.ProbeTimeout)
	logger = logger.With("exchange", exchange.Addr(), "code", outcome.Code.String(), "msg", outcome.Message)

	if !outcome.Code.Accepted() {
		logger.Debug("recipient refused by target MX")
		e.remember(ctx, logger, address, outcome, e.cfg.NegativeTTL)
		txn.AddResult(Result{Fail: ReasonMXDeny})
		return Decision{Code: outcome.Code, Message: outcome.Message, Source: SourceLive, Reason: ReasonMXDeny}
	}

	logger.Debug("recipient accepted by target MX")
	e.remember(ctx, logger, address, outcome, e.cfg.PositiveTTL)
	markRelaying(txn)
	txn.AddResult(Result{Pass: ReasonMXAccept})
	return Decision{Code: outcome.Code, Message: outcome.Message, Source: SourceLive, Reason: ReasonMXAccept}
}

// fromCache returns a decision when a complete cache record exists. Misses
// and an unavailable cache both fall through to a live probe.
func (e *Engine) fromCache(ctx context.Context, logger *slog.Logger, txn Transaction, address string) (Decision, bool) {
	if !e.cache.Available(ctx) {
		logger.Debug("cache not available, skipping cache check")
		return Decision{}, false
	}

	entry, err := e.cache.Get(ctx, address)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		logger.Debug("recipient not found in cache")
		return Decision{}, false
	case err != nil:
		logger.Debug("cache lookup failed, probing", "error", err)
		return Decision{}, false
	}

	logger.Debug("recipient found in cache", "code", entry.Code.String(), "msg", entry.Message, "ttl", entry.TTL)
	d := Decision{Code: entry.Code, Message: entry.Message + cachedSuffix, Source: SourceCache}
	if entry.Code.Accepted() {
		markRelaying(txn)
		txn.AddResult(Result{Pass: ReasonCacheAccept})
		d.Reason = ReasonCacheAccept
	} else {
		txn.AddResult(Result{Fail: ReasonCacheDeny})
		d.Reason = ReasonCacheDeny
	}
	return d, true
}

// remember stores outcome when the cache is usable. The write is detached
// from ctx so that a host hanging up does not lose the memoized result.
func (e *Engine) remember(ctx context.Context, logger *slog.Logger, address string, outcome verdict.Outcome, ttl time.Duration) {
	ctx = context.WithoutCancel(ctx)
	if !e.cache.Available(ctx) {
		return
	}
	if err := e.cache.Put(ctx, address, outcome, ttl); err != nil {
		logger.Debug("could not add cache entry", "error", err)
	}
}

func markRelaying(txn Transaction) {
	txn.MarkRelaying()
	txn.SetNote(NoteQueueWants, QueueOutbound)
}

// ResolveOutbound returns the host:port outbound delivery should use for
// domain, whatever the exchange protocol. ok is false whenever the engine has
// no opinion, which lets the host fall back to its default routing.
func (e *Engine) ResolveOutbound(domain string) (route string, ok bool) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	logger := e.logger.With("domain", domain)

	exchange, err := e.registry.Exchange(domain)
	switch {
	case errors.Is(err, routes.ErrUnknownDomain):
		logger.Error("no target MX found for domain")
		return "", false
	case err != nil:
		logger.Error("no target MX found for domain", "error", err)
		return "", false
	}

	logger.Info("target MX found for domain", "route", exchange.Addr())
	return exchange.Addr(), true
}

// SplitAddress normalizes a recipient into its lowercased address and
// domain. domain is empty when the recipient has none, e.g. <postmaster>.
func SplitAddress(recipient string) (address, domain string) {
	address = strings.ToLower(strings.TrimSpace(recipient))
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address, ""
	}
	return address, address[at+1:]
}
