package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pavelgr/dexrelay/internal/balancer"
	"github.com/pavelgr/dexrelay/internal/cache"
	"github.com/pavelgr/dexrelay/internal/coalesce"
	"github.com/pavelgr/dexrelay/internal/config"
	"github.com/pavelgr/dexrelay/internal/estimator"
	"github.com/pavelgr/dexrelay/internal/metrics"
	"github.com/pavelgr/dexrelay/internal/ratelimit"
	"github.com/pavelgr/dexrelay/internal/rpcnode"
	"github.com/pavelgr/dexrelay/internal/server"
	"github.com/pavelgr/dexrelay/internal/stream"
	"github.com/pavelgr/dexrelay/internal/upstream"
	"github.com/pavelgr/dexrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/dexrelay.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting broker",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration; a missing file falls back to DEXRELAY_* env vars
	cfg, err := config.LoadOrEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"addr", cfg.Server.Addr,
		"upstream", cfg.Upstream.BaseURL,
		"node_endpoints", len(cfg.Node.Endpoints),
		"stream_tokens", len(cfg.Stream.Tokens),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Upstream API client, with response codes recorded into expvar
	apiClient := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.APIKey,
		upstream.WithLogger(logger),
		upstream.WithHTTPClient(&http.Client{
			Timeout:   cfg.Upstream.Timeout,
			Transport: &metrics.Transport{Counter: metrics.UpstreamResponses},
		}),
		upstream.WithRetries(cfg.Upstream.MaxRetries, cfg.Upstream.RetryBackoff),
	)

	// Per-category TTL overrides apply on top of the built-in routes.
	routeList := upstream.DefaultRoutes()
	for i, route := range routeList {
		if ttl, ok := cfg.Cache.TTLs[route.Name]; ok && ttl > 0 {
			routeList[i].CacheTTL = ttl
		}
	}
	routes, err := upstream.NewRegistry(routeList)
	if err != nil {
		logger.Error("failed to build endpoint registry", "error", err)
		os.Exit(1)
	}

	// Shared outbound throttle
	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		MaxBurst:      cfg.RateLimit.MaxBurst,
	}, logger)

	cacheCfg := cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		PromoteAfter:  cfg.Cache.PromoteAfter,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}
	coalesceCfg := coalesce.Config{
		WindowLimit:    cfg.Coalesce.WindowLimit,
		Window:         cfg.Coalesce.Window,
		BackoffBase:    cfg.Coalesce.BackoffBase,
		BackoffMax:     cfg.Coalesce.BackoffMax,
		ThrottleStates: cfg.Coalesce.ThrottleStates,
	}

	// Proxy micro-cache and price feed share the limiter but keep
	// separate caches so eviction pressure stays isolated.
	proxyCache := cache.New[server.ProxiedResponse](cacheCfg, logger)
	proxyMgr, err := coalesce.New(coalesceCfg, proxyCache, limiter, logger)
	if err != nil {
		logger.Error("failed to build proxy cache manager", "error", err)
		os.Exit(1)
	}

	priceCache := cache.New[stream.PricePoint](cacheCfg, logger)
	priceMgr, err := coalesce.New(coalesceCfg, priceCache, limiter, logger)
	if err != nil {
		logger.Error("failed to build price cache manager", "error", err)
		os.Exit(1)
	}

	// Node pool behind the health balancer
	rpcClient := rpcnode.NewClient(
		rpcnode.WithLogger(logger),
		rpcnode.WithHTTPClient(&http.Client{
			Timeout:   cfg.Node.Timeout,
			Transport: &metrics.Transport{Counter: metrics.UpstreamResponses},
		}),
	)
	lb, err := balancer.New(balancer.Config{
		ErrorThreshold: cfg.Node.ErrorThreshold,
		MaxAttempts:    cfg.Node.MaxAttempts,
		ProbeInterval:  cfg.Node.ProbeInterval,
		ProbeTimeout:   cfg.Node.ProbeTimeout,
	}, cfg.Node.Endpoints, rpcClient.ProbeFor(), logger)
	if err != nil {
		logger.Error("failed to build load balancer", "error", err)
		os.Exit(1)
	}
	node := rpcnode.NewNode(rpcClient, lb)

	// Price feed hub
	priceRoute, _ := routes.Resolve("price")
	source := server.NewPriceSource(apiClient, priceMgr, estimator.ConstantProduct{}, priceRoute, cfg.Stream.Tokens, logger)
	hub := stream.NewHub(stream.Config{
		PollInterval:      cfg.Stream.PollInterval,
		KeepAliveInterval: cfg.Stream.KeepAliveInterval,
		FetchTimeout:      cfg.Stream.FetchTimeout,
		SubscriberBuffer:  cfg.Stream.SubscriberBuffer,
		IdleTimeout:       cfg.Stream.IdleTimeout,
	}, source, logger)

	// Start background loops. Order matters on the way down: the HTTP
	// server drains first, then the hub, then the shared plumbing.
	type component struct {
		name string
		stop func(context.Context) error
	}
	var started []component
	start := func(name string, c interface {
		Start(context.Context) error
		Stop(context.Context) error
	}) {
		if err := c.Start(ctx); err != nil {
			logger.Error("failed to start component", "component", name, "error", err)
			os.Exit(1)
		}
		started = append(started, component{name: name, stop: c.Stop})
	}

	start("rate limiter", limiter)
	start("proxy cache", proxyCache)
	start("proxy manager", proxyMgr)
	start("price cache", priceCache)
	start("price manager", priceMgr)
	start("load balancer", lb)
	start("stream hub", hub)

	handler := server.New(server.Deps{
		Hub:        hub,
		Node:       node,
		Balancer:   lb,
		Upstream:   apiClient,
		Routes:     routes,
		Proxy:      proxyMgr,
		CacheStats: proxyCache.Stats,
	}, logger)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: SSE and WebSocket connections are long-lived.
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.stop(shutdownCtx); err != nil {
			logger.Warn("component stop", "component", c.name, "error", err)
		}
	}

	logger.Info("broker stopped")
}
