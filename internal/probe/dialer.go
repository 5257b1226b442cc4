package probe

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// ProxyConfig describes a SOCKS5 egress proxy for probes.
type ProxyConfig struct {
	Address  string // host:port
	Username string
	Password string
}

// NewSOCKS5Dialer returns a dialer that reaches exchanges through the SOCKS5
// proxy. There is no fallback to direct connections: if the proxy is down the
// probe fails.
func NewSOCKS5Dialer(cfg ProxyConfig) (Dialer, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("proxy address is required")
	}
	var auth *proxy.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = &proxy.Auth{
			User:     cfg.Username,
			Password: cfg.Password,
		}
	}

	d, err := proxy.SOCKS5("tcp", cfg.Address, auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return contextDialer{cd}, nil
}

type contextDialer struct {
	proxy.ContextDialer
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.ContextDialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 proxy connection to %s failed: %w", addr, err)
	}
	return conn, nil
}
