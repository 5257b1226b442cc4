// Package probe asks a destination exchange whether it accepts a recipient by
// running EHLO, MAIL FROM and RCPT TO, and stops there: no DATA is sent.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rcptprobe/internal/routes"
	"rcptprobe/internal/verdict"
)

// IdleTimeout bounds every read and write after the connection is up.
const IdleTimeout = 5 * time.Second

const (
	msgConnectErr = "Probe client err"
	msgClientErr  = "Probe client error"
	msgAccepted   = "Recipient accepted"
)

var (
	probeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rcptprobe_probe_duration_seconds",
		Help:    "Duration of recipient probes until an outcome is known",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	probeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcptprobe_probe_outcomes_total",
		Help: "Recipient probe outcomes by host code and reply class",
	}, []string{"code", "class"})
)

// Dialer opens the transport connection to an exchange.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client runs probes. It is safe for concurrent use; each Probe call opens
// its own connection.
type Client struct {
	dialer   Dialer
	helo     string
	mailFrom string
	idle     time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the default direct TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHelo sets the EHLO name announced to exchanges.
func WithHelo(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.helo = name
		}
	}
}

// WithMailFrom sets the default envelope sender, used when a probe carries
// none. Empty means the null sender <>.
func WithMailFrom(from string) Option {
	return func(c *Client) {
		c.mailFrom = from
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New builds a probe client.
func New(opts ...Option) *Client {
	c := &Client{
		dialer: &net.Dialer{},
		helo:   defaultHelo(),
		idle:   IdleTimeout,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func defaultHelo() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// Probe connects to exchange and submits address with RCPT TO, announcing
// sender in MAIL FROM or the configured default when sender is empty. timeout
// bounds the connect phase; later phases use the fixed idle timeout. Exactly
// one outcome is returned, and the connection is released in the background
// once it is known.
func (c *Client) Probe(ctx context.Context, exchange routes.Exchange, sender, address string, timeout time.Duration) verdict.Outcome {
	start := time.Now()
	if sender == "" {
		sender = c.mailFrom
	}
	s := newSession(exchange, sender, address, c.logger)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", exchange.Addr())
	cancel()
	if err != nil {
		s.logger.Error("SMTP probe err", "error", err)
		s.finish(verdict.Outcome{Code: verdict.DenySoft, Message: msgConnectErr}, "connect_error")
	} else {
		go c.converse(s, conn)
	}

	outcome := <-s.done
	probeDuration.Observe(time.Since(start).Seconds())
	return outcome
}

func (c *Client) converse(s *session, conn net.Conn) {
	// Any path that forgets to resolve still yields a soft failure.
	defer s.finish(verdict.Outcome{Code: verdict.DenySoft, Message: msgClientErr}, "client_error")

	_ = conn.SetDeadline(time.Now().Add(c.idle))
	sc := smtp.NewClient(conn)
	sc.CommandTimeout = c.idle
	sc.SubmissionTimeout = c.idle
	defer sc.Close()

	if err := sc.Hello(c.helo); err != nil {
		s.fail("hello", err)
		return
	}
	s.advance(stateGreeted)

	if err := sc.Mail(s.sender, nil); err != nil {
		s.fail("mail", err)
		return
	}
	s.advance(stateMailAccepted)

	s.advance(stateRcptSent)
	err := sc.Rcpt(s.address, nil)
	var smtpErr *smtp.SMTPError
	switch {
	case err == nil:
		s.finish(verdict.Outcome{Code: verdict.OK, Message: msgAccepted}, "accepted")
	case errors.As(err, &smtpErr):
		reply := DescribeReply(smtpErr.Code)
		s.logger.Debug("recipient refused", "code", smtpErr.Code, "class", reply.Class, "reply", reply.Description, "msg", smtpErr.Message)
		s.finish(classify(smtpErr), reply.Class)
	default:
		s.fail("rcpt", err)
		return
	}

	// The outcome is already delivered; QUIT only releases the session.
	_ = sc.Quit()
}

// classify maps a negative RCPT reply to an outcome by its class digit. The
// message keeps the enhanced status code the client split off, as in
// "5.1.1 No such user".
func classify(err *smtp.SMTPError) verdict.Outcome {
	code := verdict.DenySoft
	if err.Code/100 == 5 {
		code = verdict.Deny
	}
	msg := err.Message
	if ec := err.EnhancedCode; ec[0] > 0 {
		msg = fmt.Sprintf("%d.%d.%d %s", ec[0], ec[1], ec[2], msg)
	}
	return verdict.Outcome{Code: code, Message: msg}
}

type state int

const (
	stateConnecting state = iota
	stateGreeted
	stateMailAccepted
	stateRcptSent
	stateDone
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateGreeted:
		return "greeted"
	case stateMailAccepted:
		return "mail-accepted"
	case stateRcptSent:
		return "rcpt-sent"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// session tracks one probe conversation. done carries the single outcome;
// finish ignores every terminal event after the first.
type session struct {
	sender  string
	address string
	logger  *slog.Logger

	mu    sync.Mutex
	state state
	once  sync.Once
	done  chan verdict.Outcome
}

func newSession(exchange routes.Exchange, sender, address string, logger *slog.Logger) *session {
	return &session{
		sender:  sender,
		address: address,
		logger:  logger.With("exchange", exchange.Addr(), "address", address),
		state:   stateConnecting,
		done:    make(chan verdict.Outcome, 1),
	}
}

func (s *session) advance(next state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateDone {
		s.state = next
	}
}

func (s *session) current() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) finish(outcome verdict.Outcome, class string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = stateDone
		s.mu.Unlock()
		probeOutcomes.WithLabelValues(outcome.Code.String(), class).Inc()
		s.done <- outcome
	})
}

// fail resolves the session with a transport or protocol error. Negative
// replies before RCPT land here too: they say nothing about the recipient.
func (s *session) fail(step string, err error) {
	s.logger.Error("SMTP probe error", "step", step, "state", s.current().String(), "error", err)
	s.finish(verdict.Outcome{Code: verdict.DenySoft, Message: msgClientErr}, "client_error")
}
