package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"discord-adapter/internal/access"
	"discord-adapter/internal/config"
	"discord-adapter/internal/discord"
	"discord-adapter/internal/handler"
	"discord-adapter/internal/messaging"
	"discord-adapter/internal/metrics"
	"discord-adapter/internal/middleware"
	"discord-adapter/internal/moderation"
	"discord-adapter/internal/repository"
	"discord-adapter/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)
	logger := log.Logger

	metricsRegistry := metrics.NewRegistry()
	checks := map[string]handler.Check{}

	// outbound budget: shared through Redis when configured
	var limiter service.Limiter
	var budget handler.BudgetReporter
	var closeStore func() error
	if cfg.RedisAddr != "" {
		store, err := repository.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		if p, ok := store.(interface{ Ping(context.Context) error }); ok {
			checks["redis"] = p.Ping
		}
		if c, ok := store.(interface{ Close() error }); ok {
			closeStore = c.Close
		}
		limiter = service.NewSharedBucket(store, cfg.BudgetKey, cfg.RequestsPerSecond, cfg.BurstSize).
			OnWait(metricsRegistry.ObserveWait)
		log.Info().Str("redis", cfg.RedisAddr).Str("key", cfg.BudgetKey).Msg("using shared rate budget")
	} else {
		bucket := service.NewTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize).OnWait(metricsRegistry.ObserveWait)
		limiter, budget = bucket, bucket
	}

	var breaker *service.CircuitBreaker
	clientOpts := []discord.Option{
		discord.WithBaseURL(cfg.APIBaseURL),
		discord.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		discord.WithLimiter(limiter),
		discord.WithMetrics(metricsRegistry),
		discord.WithLogger(logger.With().Str("component", "discord").Logger()),
		discord.WithUserAgent(cfg.UserAgent()),
	}
	if cfg.BreakerThreshold > 0 {
		breaker = service.NewCircuitBreaker(cfg.BreakerThreshold, 1, cfg.BreakerCooldown)
		clientOpts = append(clientOpts, discord.WithBreaker(breaker))
		checks["discord_circuit"] = func(context.Context) error {
			if breaker.GetState() == service.StateOpen {
				return service.ErrCircuitBreakerOpen
			}
			return nil
		}
	}
	client := discord.NewClient(cfg.BotToken, clientOpts...)

	policy := access.NewPolicy(cfg.AllowedGuilds, cfg.AllowedChannels)
	msgSvc := messaging.NewService(client, policy,
		messaging.WithLogger(logger.With().Str("component", "messaging").Logger()),
		messaging.WithApplicationID(cfg.ApplicationID),
	)
	modSvc := moderation.NewModerator(client, policy,
		moderation.WithLogger(logger.With().Str("component", "moderation").Logger()),
		moderation.WithMetrics(metricsRegistry),
	)

	// auth
	keys := middleware.NewAPIKeyStoreFromConfig(cfg.APIKeys)
	rbac := middleware.NewRBACMiddleware(middleware.DefaultRolePermissions(), logger)
	var authenticators []func(http.Handler) http.Handler
	if keys.Len() > 0 {
		authenticators = append(authenticators, middleware.NewAPIKeyMiddleware(keys, logger).Handler())
		log.Info().Int("keys", keys.Len()).Msg("API key authentication enabled")
	}
	if cfg.JWTSecret != "" {
		authenticators = append(authenticators, middleware.NewJWTMiddleware([]byte(cfg.JWTSecret), cfg.JWTIssuer))
		log.Info().Msg("JWT authentication enabled")
	}
	if cfg.JWKSURL != "" {
		jwks := middleware.NewJWKSClient(cfg.JWKSURL, 10*time.Minute, nil)
		authenticators = append(authenticators, middleware.NewJWKSMiddleware(jwks, cfg.JWTIssuer, cfg.JWTAudience))
		log.Info().Str("jwks", cfg.JWKSURL).Msg("JWKS authentication enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callers := middleware.NewCallerLimiter(cfg.InboundRPS, cfg.InboundBurst)
	callers.StartJanitor(ctx)

	api := http.NewServeMux()
	handler.NewAPIHandler(msgSvc, modSvc, logger).Register(api)
	handler.NewAdminHandler(policy, breaker, budget, keys, rbac).Register(api)

	var protected http.Handler = api
	if cfg.AuthEnabled() {
		protected = rbac.Handler()(protected)
		protected = middleware.RateLimit(callers, metricsRegistry)(protected)
		protected = middleware.RequireCaller(protected)
		for i := len(authenticators) - 1; i >= 0; i-- {
			protected = authenticators[i](protected)
		}
	} else {
		log.Warn().Msg("no authentication configured; /v1 and /admin are open to any caller")
		protected = middleware.RateLimit(callers, metricsRegistry)(protected)
	}

	health := handler.NewHealthHandler(cfg.ServerName, cfg.ServerVersion, checks)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/health", health.Liveness)
	mux.HandleFunc("/ready", health.Readiness)
	mux.HandleFunc("/status", health.Status)
	mux.Handle("/v1/", protected)
	mux.Handle("/admin/", protected)

	// middleware chain
	h := middleware.RequestSizeLimit(middleware.MaxRequestSize, logger)(mux)
	h = middleware.Logging(logger)(h)
	h = middleware.RequestID(h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("upstream", cfg.APIBaseURL).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.GracefulShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if closeStore != nil {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("closing redis")
		}
	}
	log.Info().Msg("server exited")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
	if strings.EqualFold(cfg.LogFormat, "text") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", cfg.ServerName).Logger()
}

// parseLevel maps the configured level names onto zerolog levels.
func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL":
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}
