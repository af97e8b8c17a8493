// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/resources"
	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/pool"
	"github.com/absmach/mcoap/pkg/proxy"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/absmach/mcoap/pkg/router"
	"github.com/absmach/mcoap/pkg/server/tcp"
	"github.com/absmach/mcoap/pkg/server/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := mcoap.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	m := metrics.New("mcoap")
	checker := health.NewChecker(10 * time.Second)

	var px *proxy.Proxy
	if cfg.ProxyEnabled() {
		var closeProxy func()
		px, closeProxy, err = newProxy(cfg, m, checker, logger)
		if err != nil {
			logger.Error("failed to create proxy", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer closeProxy()
		g.Go(func() error {
			return px.Run(ctx)
		})
	}

	svcCfg := resources.Config{
		MaxSZX: cfg.MaxBlockSZX,
		Logger: logger,
	}
	if px != nil {
		svcCfg.Pending = px.Pending
	}
	table := resources.New(svcCfg).Resources()
	if px != nil {
		prefix := strings.TrimSuffix(cfg.ProxyPrefix, "/")
		table = append(table, router.Resource{
			Path:    prefix + "/",
			Methods: coap.FlagAll | coap.MatchSubtree,
			Handler: px,
			Attrs:   ";title=\"proxy\"",
		})
		slices.SortStableFunc(table, func(a, b router.Resource) int {
			return strings.Compare(a.Path, b.Path)
		})
	}

	rt, err := router.New(router.Config{
		MaxSZX: cfg.MaxBlockSZX,
		Logger: logger,
	}, table)
	if err != nil {
		logger.Error("invalid resource table", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srvCfg := udp.Config{
		Address:         cfg.Address,
		MulticastGroup:  cfg.MulticastGroup,
		ShutdownTimeout: cfg.ShutdownTimeout,
		BufferSize:      cfg.BufferSize,
		WorkerPoolSize:  cfg.Workers,
		Metrics:         m,
		Logger:          logger,
	}
	tcpCfg := tcp.Config{
		Address:         cfg.TCPAddress,
		ShutdownTimeout: cfg.ShutdownTimeout,
		IdleTimeout:     cfg.TCPIdleTimeout,
		Metrics:         m,
		Logger:          logger,
	}
	if cfg.RateCapacity > 0 {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			Capacity:   cfg.RateCapacity,
			RefillRate: cfg.RateRefill,
		})
		defer limiter.Close()
		srvCfg.Limiter = limiter
		tcpCfg.Limiter = limiter
	}

	srv := udp.New(srvCfg, rt)
	g.Go(func() error {
		return srv.Listen(ctx)
	})

	if cfg.TCPAddress != "" {
		tcpSrv := tcp.New(tcpCfg, rt)
		g.Go(func() error {
			return tcpSrv.Listen(ctx)
		})
	}

	admin := newAdminServer(cfg.AdminAddress, m, checker, rt)
	g.Go(func() error {
		return serveAdmin(ctx, admin, cfg.ShutdownTimeout, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mCoAP service terminated with error: %s", err))
	} else {
		logger.Info("mCoAP service stopped")
	}
}

// newProxy wires the reverse proxy with its slot pool, circuit breaker,
// response cache and health checks. The returned func releases them.
func newProxy(cfg mcoap.Config, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) (*proxy.Proxy, func(), error) {
	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 2,
	})

	var c *cache.Cache
	if cfg.CacheMaxEntries > 0 {
		store, err := newCacheStore(cfg, checker)
		if err != nil {
			return nil, nil, err
		}
		if c, err = cache.New(cache.Config{MaxEntries: cfg.CacheMaxEntries, Store: store}); err != nil {
			return nil, nil, err
		}
	}

	slots := pool.New(
		func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "udp", cfg.ProxyUpstream)
		},
		pool.Config{
			Size:       cfg.ProxySlots,
			BufferSize: cfg.BufferSize,
		},
	)

	px, err := proxy.New(proxy.Config{
		Prefix:   strings.TrimSuffix(cfg.ProxyPrefix, "/"),
		Upstream: cfg.ProxyUpstream,
		Timeout:  cfg.ProxyTimeout,
		Pool:     slots,
		Breaker:  cb,
		Cache:    c,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		slots.Close()
		if c != nil {
			c.Close()
		}
		return nil, nil, err
	}

	checker.RegisterCritical("upstream", health.CoAPPing(cfg.ProxyUpstream))
	checker.Register("circuit_breaker", health.Breaker(cb))
	checker.Register("slot_pool", func(ctx context.Context) error {
		idle, active := slots.Stats()
		m.SetActiveSlots(cfg.ProxyUpstream, active)
		logger.Debug("slot pool stats",
			slog.Int("idle", idle),
			slog.Int("active", active))
		return nil
	})

	closer := func() {
		px.Close()
		slots.Close()
		if c != nil {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close cache", slog.String("error", err.Error()))
			}
		}
	}
	return px, closer, nil
}

// newCacheStore returns the configured cache backend. A nil store selects
// the default in-process ristretto store.
func newCacheStore(cfg mcoap.Config, checker *health.Checker) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "", "ristretto":
		return nil, nil
	case "bigcache":
		s, err := cache.NewBigcacheStore(cache.BigcacheConfig{
			MaxEntriesInWindow: int(cfg.CacheMaxEntries),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.CacheRedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache redis url: %w", err)
		}
		client := redis.NewClient(opts)
		checker.Register("cache_store", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		s, err := cache.NewRedisStore(cache.RedisConfig{
			Client:      client,
			Prefix:      "mcoap:",
			CloseClient: true,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
