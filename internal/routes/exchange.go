package routes

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Protocol is the delivery protocol spoken by a destination exchange.
type Protocol string

const (
	ProtocolSMTP Protocol = "smtp"
	ProtocolLMTP Protocol = "lmtp"
)

const (
	defaultSMTPPort = 25
	defaultLMTPPort = 24
)

// Exchange is a parsed destination exchange.
type Exchange struct {
	Protocol Protocol
	Host     string
	Port     int
}

// Addr returns the exchange as a dialable host:port.
func (e Exchange) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseError reports an exchange URI that cannot be used.
type ParseError struct {
	URI    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse exchange %q: %s: %v", e.URI, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse exchange %q: %s", e.URI, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseExchange parses a destination URI such as smtp://mx.example.com:25.
// Only the smtp and lmtp schemes are recognized; lmtp exchanges are returned
// so that callers can refuse them explicitly.
func ParseExchange(raw string) (Exchange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Exchange{}, &ParseError{URI: raw, Reason: "empty uri"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Exchange{}, &ParseError{URI: raw, Reason: "malformed uri", Err: err}
	}

	var port int
	switch Protocol(u.Scheme) {
	case ProtocolSMTP:
		port = defaultSMTPPort
	case ProtocolLMTP:
		port = defaultLMTPPort
	default:
		return Exchange{}, &ParseError{URI: raw, Reason: "unsupported scheme " + strconv.Quote(u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return Exchange{}, &ParseError{URI: raw, Reason: "missing host"}
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Exchange{}, &ParseError{URI: raw, Reason: "invalid port " + strconv.Quote(p), Err: err}
		}
		port = n
	}

	return Exchange{
		Protocol: Protocol(u.Scheme),
		Host:     strings.ToLower(host),
		Port:     port,
	}, nil
}
