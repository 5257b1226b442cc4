package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"rcptprobe/internal/cache"
	"rcptprobe/internal/config"
	"rcptprobe/internal/engine"
	"rcptprobe/internal/engine/metrics"
	"rcptprobe/internal/hook"
	"rcptprobe/internal/probe"
	"rcptprobe/internal/routes"
)

const shutdownTimeout = 10 * time.Second

// main wires the routes table, the verification cache, the prober and the
// engine behind the hook server, and keeps the lifecycle small.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env: %v", err)
	}

	cfg := config.FromEnv()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("configuration fallback", "detail", w)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Redis is optional at startup: an unreachable cache only means every
	// recipient is probed live.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable at startup, cache disabled until it recovers", "error", err)
	}
	verificationCache := cache.New(redisClient, cfg.CacheEnabled,
		cache.WithLogger(logger),
		cache.WithKeyPrefix(cfg.CacheKeyPrefix),
	)

	registry := routes.NewRegistry(nil)
	var sources []routes.Source
	if cfg.DomainsFile != "" {
		sources = append(sources, routes.FileSource{Path: cfg.DomainsFile})
	}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open routes database: %v", err)
		}
		defer db.Close()
		pgSource, err := routes.NewPostgresSource(db, cfg.RoutesTable)
		if err != nil {
			log.Fatalf("routes database source: %v", err)
		}
		sources = append(sources, pgSource)
	}
	reloader, err := routes.NewReloader(registry, sources,
		routes.WithReloaderLogger(logger),
		routes.WithOnReload(func(count int) { m.SetRoutes(count) }),
	)
	if err != nil {
		log.Fatalf("routes reloader: %v", err)
	}
	if err := reloader.Reload(ctx); err != nil {
		logger.Error("initial routes load failed, starting with an empty table", "error", err)
	}
	logger.Info("target domains loaded", "count", registry.Count())

	probeOpts := []probe.Option{
		probe.WithLogger(logger),
		probe.WithHelo(cfg.ProbeHelo),
		probe.WithMailFrom(cfg.ProbeMailFrom),
	}
	if cfg.SOCKS5Proxy != "" {
		dialer, err := probe.NewSOCKS5Dialer(probe.ProxyConfig{
			Address:  cfg.SOCKS5Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		})
		if err != nil {
			log.Fatalf("SOCKS5 proxy: %v", err)
		}
		probeOpts = append(probeOpts, probe.WithDialer(dialer))
		logger.Info("probes egress through SOCKS5 proxy", "proxy", cfg.SOCKS5Proxy, "authenticated", cfg.ProxyUser != "")
	}

	eng, err := engine.New(registry, verificationCache, probe.New(probeOpts...), engine.Config{
		PositiveTTL:  cfg.CacheTTL,
		NegativeTTL:  cfg.NegativeTTL,
		ProbeTimeout: cfg.ProbeTimeout,
	}, engine.WithLogger(logger), engine.WithMetrics(m))
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	handler := hook.New(eng, registry, verificationCache, logger)
	srv := hook.NewServer(cfg.Addr, hook.NewRouter(handler, prometheus.DefaultGatherer))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting rcptprobed", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reloader.ReloadOnSignal(gctx, hup)
	})
	if cfg.DatabaseURL != "" {
		g.Go(func() error {
			return routes.ListenPostgres(gctx, cfg.DatabaseURL, cfg.RoutesChannel, logger, func(ctx context.Context) {
				_ = reloader.Reload(ctx)
			})
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("rcptprobed: %v", err)
	}
	logger.Info("rcptprobed stopped")
}
