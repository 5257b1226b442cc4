package engine_test

//go:generate mockgen -source=engine.go -destination=mocks/mocks.go -package=mocks Registry,Cache,Prober,Transaction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"rcptprobe/internal/cache"
	"rcptprobe/internal/engine"
	"rcptprobe/internal/engine/mocks"
	"rcptprobe/internal/routes"
	"rcptprobe/internal/verdict"
)

// =============================================================================
// Decision Engine Test Suite
// =============================================================================
// The engine is pure orchestration: every collaborator is mocked so each
// branch of the evaluation can be pinned to its exact calls and reply.

type EngineSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	registry *mocks.MockRegistry
	cache    *mocks.MockCache
	prober   *mocks.MockProber
	txn      *mocks.MockTransaction
	engine   *engine.Engine
	ctx      context.Context
}

var mxExample = routes.Exchange{Protocol: routes.ProtocolSMTP, Host: "mx.example.com", Port: 25}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.registry = mocks.NewMockRegistry(s.ctrl)
	s.cache = mocks.NewMockCache(s.ctrl)
	s.prober = mocks.NewMockProber(s.ctrl)
	s.txn = mocks.NewMockTransaction(s.ctrl)
	s.ctx = context.Background()

	var err error
	s.engine, err = engine.New(s.registry, s.cache, s.prober, engine.Config{
		PositiveTTL:  86400 * time.Second,
		NegativeTTL:  300 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
}

func (s *EngineSuite) TearDownTest() {
	s.ctrl.Finish()
}

// expectRoute makes the registry resolve domain the way a table holding uri
// would.
func (s *EngineSuite) expectRoute(domain, uri string) {
	exchange, err := routes.ParseExchange(uri)
	s.registry.EXPECT().Exchange(domain).Return(exchange, err)
}

func (s *EngineSuite) expectUnknown(domain string) {
	s.registry.EXPECT().Exchange(domain).Return(routes.Exchange{}, routes.ErrUnknownDomain)
}

// expectProbe expects the live probe of user@example.com on behalf of the
// transaction sender.
func (s *EngineSuite) expectProbe(sender string, outcome verdict.Outcome) *gomock.Call {
	s.txn.EXPECT().MailFrom().Return(sender)
	return s.prober.EXPECT().Probe(gomock.Any(), mxExample, sender, "user@example.com", 5*time.Second).Return(outcome)
}

func (s *EngineSuite) expectRelay() {
	s.txn.EXPECT().MarkRelaying()
	s.txn.EXPECT().SetNote(engine.NoteQueueWants, engine.QueueOutbound)
}

// =============================================================================
// Constructor
// =============================================================================

func (s *EngineSuite) TestNew() {
	s.Run("nil registry", func() {
		_, err := engine.New(nil, s.cache, s.prober, engine.Config{})
		s.ErrorContains(err, "registry is required")
	})
	s.Run("nil cache", func() {
		_, err := engine.New(s.registry, nil, s.prober, engine.Config{})
		s.ErrorContains(err, "cache is required")
	})
	s.Run("nil prober", func() {
		_, err := engine.New(s.registry, s.cache, nil, engine.Config{})
		s.ErrorContains(err, "prober is required")
	})
}

func (s *EngineSuite) TestZeroConfigUsesDefaults() {
	e, err := engine.New(s.registry, s.cache, s.prober, engine.Config{},
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(false).Times(2)
	s.expectProbe("", verdict.Outcome{Code: verdict.OK, Message: "Recipient accepted"})
	s.expectRelay()
	s.txn.EXPECT().AddResult(engine.Result{Pass: engine.ReasonMXAccept})

	d := e.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.OK, d.Code)
}

// =============================================================================
// Policy paths (no cache, no probe)
// =============================================================================

func (s *EngineSuite) TestNoTransactionPassesThrough() {
	d := s.engine.EvaluateRecipient(s.ctx, nil, "user@example.com")
	s.Equal(verdict.Cont, d.Code)
	s.Empty(d.Reason)
}

func (s *EngineSuite) TestMissingDomainPassesThrough() {
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonDomainMissing})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "<postmaster>")
	s.Equal(verdict.Cont, d.Code)
	s.Equal(engine.ReasonDomainMissing, d.Reason)
}

func (s *EngineSuite) TestUnknownDomainHardDenies() {
	for _, domain := range []string{"unknown.example", "other.test", "example.org"} {
		s.expectUnknown(domain)
		s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonDomainUnknown})

		d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@"+domain)
		s.Equal(verdict.Deny, d.Code)
		s.Equal(engine.MsgDomainUnknown, d.Message)
		s.Equal(engine.ReasonDomainUnknown, d.Reason)
		s.Equal(engine.SourcePolicy, d.Source)
	}
}

func (s *EngineSuite) TestUnparseableExchangeSoftDenies() {
	s.expectRoute("example.com", "http://mx.example.com")
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonMXParsing})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.DenySoft, d.Code)
	s.Equal(engine.MsgMXParsing, d.Message)
	s.Equal(engine.ReasonMXParsing, d.Reason)
}

// LMTP is refused before the cache is even consulted.
func (s *EngineSuite) TestLMTPSoftDenies() {
	s.expectRoute("example.com", "lmtp://mx.example.com:24")
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonLMTPUnsupported})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.DenySoft, d.Code)
	s.Equal(engine.MsgLMTPUnsupported, d.Message)
	s.Equal(engine.ReasonLMTPUnsupported, d.Reason)
}

// =============================================================================
// Cache paths
// =============================================================================

func (s *EngineSuite) TestCachedAcceptSkipsProbe() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(true)
	s.cache.EXPECT().Get(gomock.Any(), "user@example.com").
		Return(cache.Entry{Code: verdict.OK, Message: "Recipient accepted", TTL: time.Hour}, nil)
	s.expectRelay()
	s.txn.EXPECT().AddResult(engine.Result{Pass: engine.ReasonCacheAccept})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "User@Example.com")
	s.Equal(verdict.OK, d.Code)
	s.Equal("Recipient accepted (cached)", d.Message)
	s.Equal(engine.SourceCache, d.Source)
}

func (s *EngineSuite) TestCachedDenyDoesNotRelay() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(true)
	s.cache.EXPECT().Get(gomock.Any(), "user@example.com").
		Return(cache.Entry{Code: verdict.Deny, Message: "No such user", TTL: time.Minute}, nil)
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonCacheDeny})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.Deny, d.Code)
	s.Equal("No such user (cached)", d.Message)
	s.Equal(engine.ReasonCacheDeny, d.Reason)
}

func (s *EngineSuite) TestCacheMissProbesAndStoresPositive() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	outcome := verdict.Outcome{Code: verdict.OK, Message: "Recipient accepted"}
	gomock.InOrder(
		s.cache.EXPECT().Available(gomock.Any()).Return(true),
		s.cache.EXPECT().Get(gomock.Any(), "user@example.com").Return(cache.Entry{}, cache.ErrNotFound),
		s.expectProbe("", outcome),
		s.cache.EXPECT().Available(gomock.Any()).Return(true),
		s.cache.EXPECT().Put(gomock.Any(), "user@example.com", outcome, 86400*time.Second).Return(nil),
	)
	s.expectRelay()
	s.txn.EXPECT().AddResult(engine.Result{Pass: engine.ReasonMXAccept})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.OK, d.Code)
	s.Equal("Recipient accepted", d.Message)
	s.Equal(engine.SourceLive, d.Source)
	s.Equal(engine.ReasonMXAccept, d.Reason)
}

func (s *EngineSuite) TestProbeRejectionStoresNegative() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	outcome := verdict.Outcome{Code: verdict.Deny, Message: "No such user"}
	s.cache.EXPECT().Available(gomock.Any()).Return(true).Times(2)
	s.cache.EXPECT().Get(gomock.Any(), "user@example.com").Return(cache.Entry{}, cache.ErrNotFound)
	s.expectProbe("", outcome)
	s.cache.EXPECT().Put(gomock.Any(), "user@example.com", outcome, 300*time.Second).Return(nil)
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonMXDeny})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.Deny, d.Code)
	s.Equal("No such user", d.Message)
	s.Equal(engine.ReasonMXDeny, d.Reason)
}

func (s *EngineSuite) TestSoftProbeFailureStoresNegative() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	outcome := verdict.Outcome{Code: verdict.DenySoft, Message: "Probe client err"}
	s.cache.EXPECT().Available(gomock.Any()).Return(true).Times(2)
	s.cache.EXPECT().Get(gomock.Any(), "user@example.com").Return(cache.Entry{}, cache.ErrNotFound)
	s.expectProbe("", outcome)
	s.cache.EXPECT().Put(gomock.Any(), "user@example.com", outcome, 300*time.Second).Return(nil)
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonMXDeny})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.DenySoft, d.Code)
}

func (s *EngineSuite) TestCacheUnavailableFallsBackToProbe() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(false).Times(2)
	s.expectProbe("", verdict.Outcome{Code: verdict.OK, Message: "Recipient accepted"})
	s.expectRelay()
	s.txn.EXPECT().AddResult(engine.Result{Pass: engine.ReasonMXAccept})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.OK, d.Code)
}

// The remote exchange sees the sender of the inbound transaction, so
// sender-dependent RCPT policy is reproduced.
func (s *EngineSuite) TestTransactionSenderReachesExchange() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(false).Times(2)
	s.expectProbe("sender@origin.example", verdict.Outcome{Code: verdict.Deny, Message: "5.7.1 Sender not allowed"})
	s.txn.EXPECT().AddResult(engine.Result{Fail: engine.ReasonMXDeny})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.Deny, d.Code)
	s.Equal("5.7.1 Sender not allowed", d.Message)
}

func (s *EngineSuite) TestCacheErrorsNeverSurface() {
	s.expectRoute("example.com", "smtp://mx.example.com:25")
	s.cache.EXPECT().Available(gomock.Any()).Return(true).Times(2)
	s.cache.EXPECT().Get(gomock.Any(), "user@example.com").Return(cache.Entry{}, cache.ErrUnavailable)
	s.expectProbe("", verdict.Outcome{Code: verdict.OK, Message: "Recipient accepted"})
	s.cache.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("write failed"))
	s.expectRelay()
	s.txn.EXPECT().AddResult(engine.Result{Pass: engine.ReasonMXAccept})

	d := s.engine.EvaluateRecipient(s.ctx, s.txn, "user@example.com")
	s.Equal(verdict.OK, d.Code)
	s.Equal("Recipient accepted", d.Message)
}

// =============================================================================
// Outbound routing
// =============================================================================

func (s *EngineSuite) TestResolveOutbound() {
	s.Run("smtp exchange", func() {
		s.expectRoute("example.com", "smtp://mx.example.com:2525")
		route, ok := s.engine.ResolveOutbound("Example.COM")
		s.True(ok)
		s.Equal("mx.example.com:2525", route)
	})

	s.Run("unknown domain", func() {
		s.expectUnknown("nope.example")
		_, ok := s.engine.ResolveOutbound("nope.example")
		s.False(ok)
	})

	s.Run("unparseable exchange", func() {
		s.expectRoute("bad.example", "ftp://x")
		_, ok := s.engine.ResolveOutbound("bad.example")
		s.False(ok)
	})

	// Outbound routing answers for lmtp exchanges too; only the RCPT
	// check refuses them.
	s.Run("lmtp exchange", func() {
		s.expectRoute("lmtp.example", "lmtp://mx.lmtp.example:24")
		route, ok := s.engine.ResolveOutbound("lmtp.example")
		s.True(ok)
		s.Equal("mx.lmtp.example:24", route)
	})

	s.Run("lmtp default port", func() {
		s.expectRoute("lmtp.example", "lmtp://mx.lmtp.example")
		route, ok := s.engine.ResolveOutbound("lmtp.example")
		s.True(ok)
		s.Equal("mx.lmtp.example:24", route)
	})
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		in, address, domain string
	}{
		{"user@example.com", "user@example.com", "example.com"},
		{"<User@Example.COM>", "user@example.com", "example.com"},
		{" postmaster ", "postmaster", ""},
		{"<postmaster>", "postmaster", ""},
		{"\"odd@local\"@example.com", "\"odd@local\"@example.com", "example.com"},
		{"user@", "user@", ""},
	}
	for _, tc := range cases {
		address, domain := engine.SplitAddress(tc.in)
		if address != tc.address || domain != tc.domain {
			t.Errorf("SplitAddress(%q) = (%q, %q), want (%q, %q)", tc.in, address, domain, tc.address, tc.domain)
		}
	}
}
