package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/admission"
	"github.com/felipepmaragno/gemini-gateway/internal/api"
	"github.com/felipepmaragno/gemini-gateway/internal/cache"
	"github.com/felipepmaragno/gemini-gateway/internal/catalog"
	"github.com/felipepmaragno/gemini-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/connpool"
	"github.com/felipepmaragno/gemini-gateway/internal/credential"
	"github.com/felipepmaragno/gemini-gateway/internal/crypto"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
	"github.com/felipepmaragno/gemini-gateway/internal/media"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/retry"
	"github.com/felipepmaragno/gemini-gateway/internal/secrets"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
	"github.com/felipepmaragno/gemini-gateway/internal/transform"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const (
	serviceName = "gemini-gateway"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr, "version", version, "upstream", cfg.UpstreamBaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	keys, err := upstreamKeys(ctx, cfg)
	if err != nil {
		slog.Error("failed to load upstream keys", "error", err)
		os.Exit(1)
	}

	var (
		assets   cache.Cache
		tracker  credential.UsageTracker
		checkers []api.HealthChecker
		sweeper  api.Sweeper
	)
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cache.Config{Capacity: cfg.CacheCapacity, TTL: cfg.CacheTTL})
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		assets = redisCache

		redisTracker, err := credential.NewRedisUsageTracker(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisTracker.Close()
		tracker = redisTracker

		checker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to create redis health checker", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, checker)
		slog.Info("using redis for media cache and credential usage")
	} else {
		memCache := cache.NewInMemoryCache(cache.Config{Capacity: cfg.CacheCapacity, TTL: cfg.CacheTTL})
		defer memCache.Close()
		assets = memCache
		sweeper = memCache
		tracker = credential.NewInMemoryUsageTracker()
		slog.Info("using in-memory media cache and credential usage")
	}

	creds, err := credential.NewPool(credential.FromKeys(keys), credential.PoolConfig{
		Selector: credential.SelectorByName(cfg.CredentialSelector),
		Tracker:  tracker,
		Limit:    cfg.CredentialRPM,
	})
	if err != nil {
		slog.Error("failed to create credential pool", "error", err)
		os.Exit(1)
	}
	slog.Info("credential pool ready", "credentials", creds.Size(), "selector", cfg.CredentialSelector, "rpm", cfg.CredentialRPM)

	conns := connpool.New(connpool.Config{
		MaxEntries:  cfg.ConnPoolSize,
		IdleTimeout: cfg.ConnIdleTimeout,
	})
	defer conns.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())

	upstreamHTTP := httputil.UpstreamConfig(cfg.MaxTimeout, cfg.ConnPoolSize)
	upstreamHTTP.IdleConnTimeout = cfg.ConnIdleTimeout
	httpClient := httputil.NewClient(upstreamHTTP)

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	client := upstream.NewClient(httpClient, creds, conns, breakers, upstream.Config{
		BaseURL:     cfg.UpstreamBaseURL,
		Retry:       policy,
		BaseTimeout: cfg.BaseTimeout,
		MaxTimeout:  cfg.MaxTimeout,
		StreamIdle:  cfg.StreamIdleTimeout,
	})

	ac := admission.NewController(admission.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxQueue:      cfg.MaxQueue,
	})
	ac.OnHealthChange(func(old, new admission.Health) {
		slog.Warn("gateway health changed", "from", old.String(), "to", new.String())
	})
	if cfg.SNSTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create SNS notifier", "error", err)
			os.Exit(1)
		}
		ac.OnHealthChange(notifications.HealthHook(notifier, ac, 5*time.Second))
		slog.Info("health notifications enabled", "topic", cfg.SNSTopicARN)
	}

	cat := catalog.Default()
	resolver := media.NewResolver(assets, httputil.NewClient(httputil.MediaConfig(cfg.MediaFetchTimeout)), media.Config{
		FetchTimeout: cfg.MediaFetchTimeout,
		MaxBytes:     cfg.MediaMaxBytes,
	})
	transformer := transform.New(cat, resolver, transform.Options{RolePriming: cfg.RolePriming})

	svc := gateway.NewService(cat, transformer, ac, client, gateway.Config{
		BaseTimeout: cfg.BaseTimeout,
		MaxTimeout:  cfg.MaxTimeout,
	})

	status := api.StatusSources{
		Admission:   ac,
		Pool:        conns,
		Credentials: creds,
		Breakers:    breakers,
	}

	var admin http.Handler
	if cfg.AdminAPIKey != "" {
		admin = api.NewAdminHandler(api.AdminConfig{
			Keys:       crypto.NewKeySet([]string{cfg.AdminAPIKey}),
			Status:     status,
			PoolSweep:  conns,
			CacheSweep: sweeper,
		})
	}

	handler := api.NewHandler(api.HandlerConfig{
		Service:  svc,
		Keys:     crypto.NewKeySet(cfg.GatewayAPIKeys),
		Status:   status,
		Checkers: checkers,
		Admin:    admin,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := ac.Shutdown(shutdownCtx); err != nil {
		slog.Error("admission drain incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

// upstreamKeys merges keys from the environment and the secret store, then
// decrypts any sealed values.
func upstreamKeys(ctx context.Context, cfg *config.Config) ([]string, error) {
	keys := append([]string{}, cfg.UpstreamAPIKeys...)

	if cfg.UpstreamKeysSecret != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		stored, err := secrets.LoadKeys(ctx, store, cfg.UpstreamKeysSecret)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded upstream keys from secrets manager", "secret", cfg.UpstreamKeysSecret, "count", len(stored))
		keys = append(keys, stored...)
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		var err error
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	keys, err := enc.RevealAll(keys)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, domain.ErrNoCredentials
	}
	return keys, nil
}

func setupLogger(level string) {
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

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
