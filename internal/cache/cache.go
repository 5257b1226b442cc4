// Package cache memoizes recipient probe outcomes in Redis.
//
// Each recipient is one hash holding the host result code and message, with
// a key TTL that differs for positive and negative outcomes. Every backend
// failure is reported as ErrUnavailable so callers can fall back to a live
// probe instead of failing the recipient.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"rcptprobe/internal/verdict"
)

var (
	// ErrNotFound means no complete record exists for the address.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrUnavailable means the backing store could not be used.
	ErrUnavailable = errors.New("cache: backend unavailable")
)

// DefaultKeyPrefix matches the namespace used by existing deployments.
const DefaultKeyPrefix = "probe::"

const (
	fieldCode = "code"
	fieldMsg  = "msg"

	defaultWarnInterval = time.Minute
)

var cacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rcptprobe_cache_operations_total",
	Help: "Verification cache operations by operation and result",
}, []string{"op", "result"}) // op: ping, get, put; result: ok, hit, miss, error

// Entry is a cached decision for one recipient.
type Entry struct {
	Code    verdict.Code
	Message string
	TTL     time.Duration
}

// Cache is the Redis-backed verification cache.
type Cache struct {
	client  redis.UniversalClient
	enabled bool
	prefix  string
	logger  *slog.Logger
	warn    *rate.Sometimes
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithKeyPrefix sets the key namespace. An empty prefix keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithWarnInterval bounds how often backend failures are logged at warn
// level. Failures in between are logged at debug.
func WithWarnInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.warn = &rate.Sometimes{Interval: d}
	}
}

// New builds a cache over client. A nil client or enabled=false yields a
// cache that is never available.
func New(client redis.UniversalClient, enabled bool, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		enabled: enabled,
		prefix:  DefaultKeyPrefix,
		logger:  slog.Default(),
		warn:    &rate.Sometimes{Interval: defaultWarnInterval},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Enabled reports whether caching is turned on in configuration.
func (c *Cache) Enabled() bool {
	return c.enabled && c.client != nil
}

// Key returns the Redis key for address.
func (c *Cache) Key(address string) string {
	return c.prefix + strings.ToLower(strings.TrimSpace(address))
}

// Available reports whether caching is enabled and Redis answers PING.
func (c *Cache) Available(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		cacheOperations.WithLabelValues("ping", "error").Inc()
		c.report("ping", "", err)
		return false
	}
	cacheOperations.WithLabelValues("ping", "ok").Inc()
	return true
}

// Get fetches code, message and remaining TTL in one MULTI/EXEC so a record
// can never be seen half-written. Records missing either field are treated
// as absent.
func (c *Cache) Get(ctx context.Context, address string) (Entry, error) {
	if !c.Enabled() {
		return Entry{}, ErrUnavailable
	}
	key := c.Key(address)

	var (
		codeCmd *redis.StringCmd
		msgCmd  *redis.StringCmd
		ttlCmd  *redis.DurationCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		codeCmd = pipe.HGet(ctx, key, fieldCode)
		msgCmd = pipe.HGet(ctx, key, fieldMsg)
		ttlCmd = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		cacheOperations.WithLabelValues("get", "error").Inc()
		c.report("get", address, err)
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rawCode, codeErr := codeCmd.Result()
	msg, msgErr := msgCmd.Result()
	if codeErr != nil || msgErr != nil || rawCode == "" || msg == "" {
		cacheOperations.WithLabelValues("get", "miss").Inc()
		return Entry{}, ErrNotFound
	}
	code, err := verdict.ParseCode(rawCode)
	if err != nil {
		c.logger.Debug("ignoring cache entry with bad code", "key", key, "error", err)
		cacheOperations.WithLabelValues("get", "miss").Inc()
		return Entry{}, ErrNotFound
	}

	cacheOperations.WithLabelValues("get", "hit").Inc()
	return Entry{Code: code, Message: msg, TTL: ttlCmd.Val()}, nil
}

// Put replaces whatever is stored for address with outcome and sets the
// expiry to exactly ttl from now.
func (c *Cache) Put(ctx context.Context, address string, outcome verdict.Outcome, ttl time.Duration) error {
	if !c.Enabled() {
		return ErrUnavailable
	}
	if ttl < time.Second {
		return fmt.Errorf("cache: ttl %s must be at least one second", ttl)
	}
	key := c.Key(address)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldCode, strconv.Itoa(int(outcome.Code)), fieldMsg, outcome.Message)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		cacheOperations.WithLabelValues("put", "error").Inc()
		c.report("put", address, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cacheOperations.WithLabelValues("put", "ok").Inc()
	return nil
}

func (c *Cache) report(op, address string, err error) {
	logged := false
	c.warn.Do(func() {
		logged = true
		c.logger.Warn("verification cache unavailable", "op", op, "error", err)
	})
	if !logged {
		c.logger.Debug("verification cache error", "op", op, "address", address, "error", err)
	}
}
