package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/audit"
	"github.com/openclaw/gateway-go/internal/bridge"
	"github.com/openclaw/gateway-go/internal/channels"
	"github.com/openclaw/gateway-go/internal/config"
	"github.com/openclaw/gateway-go/internal/database"
	"github.com/openclaw/gateway-go/internal/handler"
	"github.com/openclaw/gateway-go/internal/health"
	"github.com/openclaw/gateway-go/internal/idempotency"
	"github.com/openclaw/gateway-go/internal/jobs"
	"github.com/openclaw/gateway-go/internal/middleware"
	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/pairing"
	"github.com/openclaw/gateway-go/internal/presence"
	"github.com/openclaw/gateway-go/internal/redis"
	"github.com/openclaw/gateway-go/internal/repository"
	"github.com/openclaw/gateway-go/internal/rpc"
	"github.com/openclaw/gateway-go/internal/sessions"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	startedAt := time.Now()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	var pairingEvents repository.PairingEventRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure audit schema")
		}
		cancel()
		log.Info().Msg("database connected")

		pairingEvents = repository.NewPairingEventRepository(db.DB)
	}

	versions := presence.NewVersions()
	broadcaster := rpc.NewBroadcaster(versions)
	defer broadcaster.Close()

	tracker := presence.NewTracker()
	relay := rpc.NewRelay(broadcaster, tracker)

	host, _ := os.Hostname()
	tracker.Upsert(model.PresenceEntry{
		NodeID:   "gateway:" + host,
		Version:  version,
		Platform: "go",
		Mode:     presence.ModeGateway,
		Reason:   "self",
	})

	var recorder audit.EventRecorder
	if pairingEvents != nil {
		recorder = pairingEvents
	}
	fanout := pairing.NewFanout(relay, audit.NewPairingRecorder(recorder))
	pairingStore := pairing.NewStore(cfg.StateDir, pairing.WithNotifier(fanout))

	sessionStore := sessions.NewStore(cfg.SessionStoreFile(), sessions.WithNotifier(relay))
	policy := sessions.Policy{
		PruneAfter:     cfg.SessionPruneAfter,
		MaxEntries:     cfg.SessionMaxEntries,
		MaxDiskBytes:   cfg.SessionMaxDiskBytes,
		HighWaterBytes: cfg.HighWaterBytes(),
	}

	registry := channels.NewRegistry()
	if cfg.ChannelWebhookURL != "" {
		adapter, err := channels.NewWebhookAdapter(cfg.ChannelWebhookID, cfg.ChannelWebhookURL, cfg.ChannelWebhookToken)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid webhook channel")
		}
		registry.Register(adapter)
	}

	// The rpc and health layers take interfaces, so a disabled bridge
	// must stay a nil interface rather than a nil *bridge.Server.
	var (
		bridgeServer *bridge.Server
		nodeBridge   rpc.NodeBridge
		nodeSource   health.NodeSource
		pins         jobs.PinSource
		httpPins     handler.PinSource
	)
	if cfg.BridgeEnabled {
		bridgeServer = bridge.NewServer(bridge.Config{
			Addr:             cfg.BridgeAddr(),
			TLSCertFile:      cfg.BridgeTLSCert,
			TLSKeyFile:       cfg.BridgeTLSKey,
			RequestTimeout:   cfg.BridgeRequestTimeout(),
			HandshakeTimeout: config.BridgeHandshakeTimeout,
			BeaconInterval:   config.PresenceBeaconInterval,
			RepairDisconnect: cfg.BridgeRepairDisconnect,
		}, pairingStore, relay)
		fanout.Add(bridgeServer)

		if err := bridgeServer.Start(context.Background()); err != nil {
			log.Warn().Err(err).Str("addr", cfg.BridgeAddr()).Msg("bridge not started")
		}
		defer bridgeServer.Close()

		nodeBridge, nodeSource, pins, httpPins = bridgeServer, bridgeServer, bridgeServer, bridgeServer
	}

	healthCache := health.NewCache(registry, nodeSource, sessionStore, broadcaster, cfg.BridgeEnabled)

	var idemStore idempotency.Store
	if redisClient != nil {
		idemStore = idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL())
	} else {
		cache := idempotency.NewCache(cfg.IdempotencyTTL(), cfg.IdempotencyMaxEntries)
		defer cache.Close()
		idemStore = cache
	}

	rpcServer := rpc.NewServer(rpc.Deps{
		Version:      version,
		AuthToken:    cfg.GatewayToken,
		PasswordHash: cfg.GatewayPasswordHash,
		StartedAt:    startedAt,
		Presence:     tracker,
		Health:       healthCache,
		Sessions:     sessionStore,
		Maintenance:  policy,
		Pairing:      pairingStore,
		Bridge:       nodeBridge,
		Channels:     registry,
	}, broadcaster, idempotency.NewGuard(idemStore))

	var connectLimiter middleware.Limiter
	if redisClient != nil {
		connectLimiter = middleware.NewRedisRateLimiter(redisClient.Client, config.RPCConnectRateWindow)
	} else {
		connectLimiter = middleware.NewRateLimiter(config.RPCConnectRateWindow)
	}
	connectRateLimit := middleware.NewIPRateLimitMiddleware(connectLimiter, config.RPCConnectRateLimit)
	authMiddleware := middleware.NewGatewayAuthMiddleware(cfg.GatewayToken, cfg.GatewayPasswordHash)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	var history handler.PairingHistory
	if pairingEvents != nil {
		history = pairingEvents
	}
	pairingHandler := handler.NewPairingHandler(pairingStore, history)
	sessionsHandler := handler.NewSessionsHandler(sessionStore, policy, httpPins)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handler.NewHealthHandler(healthCache).ServeHTTP)

	// Websocket connections outlive any request timeout.
	r.With(connectRateLimit.Handler).Get("/ws", rpcServer.HandleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Mount("/pairing", pairingHandler.Routes())
		r.Mount("/sessions", sessionsHandler.Routes())
	})

	mode, err := sessions.ParseMode(cfg.SessionMaintenanceMode)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid maintenance mode")
	}
	maintenanceJob := jobs.NewMaintenanceJob(
		sessionStore, pins, pairingStore, relay, policy, mode, cfg.SessionMaintenanceInterval,
	)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	healthJob := jobs.NewHealthJob(healthCache, relay, config.RPCTickInterval)
	healthJob.Start()
	defer healthJob.Stop()

	if pairingEvents != nil {
		auditJob := jobs.NewAuditRetentionJob(pairingEvents, cfg.AuditRetention(), config.AuditCleanupInterval)
		auditJob.Start()
		defer auditJob.Stop()
	}

	server := &http.Server{
		Addr:         cfg.GatewayAddr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.GatewayAddr()).Str("version", version).Msg("starting gateway")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("gateway stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
