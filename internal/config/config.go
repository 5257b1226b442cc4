// Package config reads the daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"rcptprobe/internal/cache"
)

// Config captures everything the daemon needs at startup.
type Config struct {
	Addr string

	DomainsFile   string
	DatabaseURL   string
	RoutesTable   string
	RoutesChannel string

	RedisURL       string
	CacheEnabled   bool
	CacheTTL       time.Duration
	NegativeTTL    time.Duration
	CacheKeyPrefix string

	ProbeTimeout  time.Duration
	ProbeHelo     string
	ProbeMailFrom string

	SOCKS5Proxy string
	ProxyUser   string
	ProxyPass   string

	LogLevel slog.Level

	// Warnings lists variables that were set but unusable and fell back to
	// their defaults.
	Warnings []string
}

const (
	defaultAddr          = ":8025"
	defaultDomainsFile   = "config/recipient-routes-probe-domains.ini"
	defaultRoutesTable   = "recipient_routes"
	defaultRoutesChannel = "recipient_routes_changed"
	defaultRedisURL      = "redis://localhost:6379/0"

	defaultCacheTTL     = 86400 * time.Second
	defaultNegativeTTL  = 300 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Config {
	var cfg Config
	str := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	seconds := func(key string, def time.Duration) time.Duration {
		v := str(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s=%q is not a number of seconds, using %s", key, v, def))
			return def
		}
		return time.Duration(n) * time.Second
	}

	cfg.Addr = str("RCPTPROBE_ADDR", defaultAddr)
	cfg.DomainsFile = str("RCPTPROBE_DOMAINS_FILE", defaultDomainsFile)
	cfg.DatabaseURL = str("DATABASE_URL", "")
	cfg.RoutesTable = str("RCPTPROBE_ROUTES_TABLE", defaultRoutesTable)
	cfg.RoutesChannel = str("RCPTPROBE_ROUTES_CHANNEL", defaultRoutesChannel)

	cfg.RedisURL = str("REDIS_URL", defaultRedisURL)
	cfg.CacheEnabled = true
	if v := str("CACHE_ENABLED", ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("CACHE_ENABLED=%q is not a boolean, caching stays enabled", v))
		} else {
			cfg.CacheEnabled = enabled
		}
	}
	cfg.CacheTTL = seconds("CACHE_TTL", defaultCacheTTL)
	cfg.NegativeTTL = seconds("CACHE_NEGATIVE_TTL", defaultNegativeTTL)
	cfg.CacheKeyPrefix = str("CACHE_KEY_PREFIX", cache.DefaultKeyPrefix)

	cfg.ProbeTimeout = seconds("PROBE_TIMEOUT", defaultProbeTimeout)
	cfg.ProbeHelo = str("PROBE_HELO", "")
	if cfg.ProbeHelo == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.ProbeHelo = hostname
		}
	}
	cfg.ProbeMailFrom = str("PROBE_MAIL_FROM", "")

	cfg.SOCKS5Proxy = str("SOCKS5_PROXY", "")
	cfg.ProxyUser = str("PROXY_USER", "")
	cfg.ProxyPass = str("PROXY_PASS", "")

	cfg.LogLevel = slog.LevelInfo
	if v := str("LOG_LEVEL", ""); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			cfg.LogLevel = slog.LevelInfo
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("LOG_LEVEL=%q is unknown, using info", v))
		}
	}
	return cfg
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("RCPTPROBE_ADDR must not be empty"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.NegativeTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_NEGATIVE_TTL must be positive, got %s", c.NegativeTTL))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_TIMEOUT must be positive, got %s", c.ProbeTimeout))
	}
	if c.DomainsFile == "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("either RCPTPROBE_DOMAINS_FILE or DATABASE_URL is required"))
	}
	if c.ProxyUser != "" && c.SOCKS5Proxy == "" {
		errs = append(errs, errors.New("PROXY_USER set without SOCKS5_PROXY"))
	}
	return errors.Join(errs...)
}
