// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqplib "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brwyatt/dffmpeg/internal/api"
	"github.com/brwyatt/dffmpeg/internal/api/middleware"
	"github.com/brwyatt/dffmpeg/internal/audit"
	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/cache"
	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/health"
	"github.com/brwyatt/dffmpeg/internal/janitor"
	xglog "github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/ratelimit"
	"github.com/brwyatt/dffmpeg/internal/scheduler"
	"github.com/brwyatt/dffmpeg/internal/store"
	"github.com/brwyatt/dffmpeg/internal/store/memory"
	"github.com/brwyatt/dffmpeg/internal/store/sqlite"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/version"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code (spec.md §6): 0 on normal shutdown, 64
// on a configuration error, 70 on an internal initialization error.
func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	logger := xglog.WithComponent("coordinator")

	var loader *config.Loader
	if *configPath != "" {
		loader = config.NewLoader(*configPath)
	} else {
		loader = config.NewLoaderFromEnv()
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 64
	}

	xglog.Configure(xglog.Config{Level: cfg.Logging.Level, Service: cfg.Logging.Service})
	logger = xglog.WithComponent("coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("startup checks failed")
		return 70
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return 70
	}
	defer st.Close()

	keyRing, err := buildKeyRing(cfg.Auth)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build key ring")
		return 70
	}
	trustedProxies, err := auth.ParseCIDRSet(cfg.Auth.TrustedProxies)
	if err != nil {
		logger.Error().Err(err).Msg("invalid auth.trustedProxies")
		return 64
	}
	auditLogger := audit.NewLogger()
	verifier := auth.NewVerifier(st, keyRing, trustedProxies, auditLogger)

	transports, stopTransports, err := buildTransports(ctx, st, cfg.Transports)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build transports")
		return 70
	}
	defer stopTransports()
	transports.SendLimiter = ratelimit.New(ratelimit.DefaultConfig())

	sched := scheduler.New(st, transports, scheduler.Config{
		TickInterval:    cfg.Scheduler.TickInterval,
		AllowedBinaries: cfg.Binaries.Allowed,
	})
	jan := janitor.New(st, transports, janitor.Config{
		TickInterval:                cfg.Janitor.TickInterval,
		WorkerThresholdFactor:       cfg.Janitor.WorkerThresholdFactor,
		JobAssignmentTimeout:        cfg.Janitor.JobAssignmentTimeout,
		JobHeartbeatThresholdFactor: cfg.Janitor.JobHeartbeatThresholdFactor,
		JobPendingTimeout:           cfg.Janitor.JobPendingTimeout,
		ClientHeartbeatMissedFactor: cfg.Janitor.ClientHeartbeatMissedFactor,
	})

	rateLimitCache := buildRateLimitCache(cfg.Cache, logger)
	if c, ok := rateLimitCache.(io.Closer); ok {
		defer c.Close()
	}

	router := api.NewRouter(api.RouterConfig{
		Store:           st,
		Verifier:        verifier,
		Transports:      transports,
		Scheduler:       sched,
		Janitor:         jan,
		AllowedBinaries: cfg.Binaries.Allowed,
		Middleware: middleware.StackConfig{
			EnableSecurityHeaders: true,
			EnableMetrics:         cfg.Metrics.Enabled,
			EnableLogging:         true,
			EnableRateLimit:       cfg.RateLimit.Enabled,
			RateLimitEnabled:      cfg.RateLimit.Enabled,
			RateLimitGlobalRPS:    cfg.RateLimit.GlobalRPS,
			RateLimitBurst:        cfg.RateLimit.Burst,
			RateLimitWhitelist:    cfg.RateLimit.Whitelist,
			RateLimitCache:        rateLimitCache,
		},
	})

	apiServer := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen.Addr).Msg("API server listening")
		var serveErr error
		if cfg.Listen.TLSCert != "" {
			serveErr = apiServer.ListenAndServeTLS(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		} else {
			serveErr = apiServer.ListenAndServe()
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("coordinator exited with error")
		return 70
	}
	logger.Info().Msg("coordinator shut down")
	return 0
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Dialect {
	case "sqlite":
		sqliteCfg := sqlite.DefaultConfig()
		if cfg.MaxOpenConns > 0 {
			sqliteCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		return sqlite.Open(cfg.Path, sqliteCfg)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database dialect %q", cfg.Dialect)
	}
}

// buildRateLimitCache returns a Redis-backed cache for cross-replica rate
// limit counters when cfg.RedisAddr is set, or nil to let the router fall
// back to httprate's process-local counters (the dependency-free default
// for single-replica deployments that never configure Redis). If Redis is
// configured but unreachable at startup, it degrades to an in-memory
// cache.Cache instead of nil: the operator asked for the shared fixed-window
// counting semantics DistributedRateLimit implements, so a degraded deploy
// should keep that algorithm locally rather than silently switching to
// httprate's differently-shaped sliding window. Either way startup never
// fails — rate limiting is defense-in-depth, not a dependency the
// Coordinator should refuse to boot without.
func buildRateLimitCache(cfg config.CacheConfig, logger zerolog.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		return nil
	}
	c, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RedisAddr}, logger)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis rate-limit cache unavailable, falling back to in-memory limiter")
		return cache.NewMemoryCache(time.Minute)
	}
	return c
}

func buildKeyRing(cfg config.AuthConfig) (*auth.KeyRing, error) {
	entries := make(map[string]auth.KeyEntry, len(cfg.KeyRing))
	for _, e := range cfg.KeyRing {
		entries[e.ID] = auth.KeyEntry{Algorithm: e.Algorithm, Secret: []byte(e.Secret)}
	}
	return auth.NewKeyRing(entries, cfg.DefaultKeyID)
}

// buildTransports constructs the enabled transports in configured
// preference order and returns a stop function that tears down every
// transport's underlying connection.
func buildTransports(ctx context.Context, st store.Store, cfg config.TransportsConfig) (*transport.Registry, func(), error) {
	var built []transport.Transport
	var startErrs []error
	var stoppers []func()

	for _, name := range cfg.Enabled {
		switch name {
		case transport.NameHTTPPolling:
			built = append(built, transport.NewHTTPPolling(st))
		case transport.NameMQTT:
			opts := mqttlib.NewClientOptions().AddBroker(cfg.MQTTBrokerURL).SetClientID(cfg.MQTTClientID)
			client := mqttlib.NewClient(opts)
			t := transport.NewMQTT(client, cfg.MQTTTopicPrefix)
			built = append(built, t)
			stoppers = append(stoppers, func() { _ = t.Stop(context.Background()) })
		case transport.NameAMQP:
			conn, err := amqplib.Dial(cfg.AMQPURL)
			if err != nil {
				startErrs = append(startErrs, fmt.Errorf("amqp dial: %w", err))
				continue
			}
			t := transport.NewAMQP(conn)
			built = append(built, t)
			stoppers = append(stoppers, func() { _ = t.Stop(context.Background()); _ = conn.Close() })
		default:
			startErrs = append(startErrs, fmt.Errorf("unknown transport %q", name))
		}
	}
	if len(startErrs) > 0 {
		return nil, nil, errors.Join(startErrs...)
	}

	reg, err := transport.NewRegistry(built...)
	if err != nil {
		return nil, nil, err
	}
	for _, t := range built {
		if err := t.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("start transport %q: %w", t.Name(), err)
		}
	}
	return reg, func() {
		for _, stop := range stoppers {
			stop()
		}
	}, nil
}
