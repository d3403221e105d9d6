package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dedicated-matchmaker/accounts"
	"dedicated-matchmaker/config"
	"dedicated-matchmaker/handshake"
	"dedicated-matchmaker/health"
	"dedicated-matchmaker/hoster"
	"dedicated-matchmaker/matchmaking"
	"dedicated-matchmaker/metrics"
	"dedicated-matchmaker/party"
	"dedicated-matchmaker/queues"
	qpubsub "dedicated-matchmaker/queues/pubsub"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/sessions"
	"dedicated-matchmaker/status"
	"dedicated-matchmaker/ticket"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	setLogger(os.Getenv("MM_LOG_LEVEL"))
	log.Info().Msgf("Starting dedicated-matchmaker version: %s", version)
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.Secret == "" {
		log.Fatal().Msg("missing shared secret; set MM_SECRET")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("missing user store; set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	accountStore := accounts.NewGormStore(db)
	if err := accountStore.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("account table migration failed")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	var store registry.Store
	switch cfg.RegistryBackend {
	case "memory":
		log.Warn().Msg("in-memory registry; server records are not shared between replicas")
		store = registry.NewMemoryStore()
	case "redis":
		store = registry.NewRedisStore(rdb)
	case "postgres":
		gs := registry.NewGormStore(db)
		if err := gs.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("server record table migration failed")
		}
		store = gs
	default:
		log.Fatal().Str("backend", cfg.RegistryBackend).Msg("unknown registry backend; use memory, redis or postgres")
	}

	var hosts hoster.Resolver
	switch cfg.Hoster {
	case "static":
		if len(cfg.Regions) == 0 {
			log.Warn().Msg("no regions configured; every matchmaking request will fail; set MM_REGIONS or MM_REGIONS_FILE")
		}
		hosts = hoster.NewStatic(cfg.Regions)
	case "agones":
		hosts = hoster.NewAgones(cfg.AgonesFleets, cfg.TargetNamespace)
	default:
		log.Fatal().Str("hoster", cfg.Hoster).Msg("unknown hoster; use static or agones")
	}

	reg := registry.New(store, hosts, cfg.GamePort, cfg.CacheTTL)
	if _, err := registry.StartSweeper(ctx, reg, cfg.SweepInterval, cfg.SweepMaxAge); err != nil {
		log.Fatal().Err(err).Msg("failed to start registry sweeper")
	}

	var notify queues.Publisher = queues.Discard{}
	if cfg.NotifyTopic != "" && cfg.GoogleProjectID != "" {
		publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.NotifyTopic, cfg.CredentialsFile)
		defer func() { _ = publisher.Close() }()
		notify = publisher
	} else {
		log.Info().Msg("no notify topic; party notifications are dropped")
	}

	codec := ticket.NewCodec(cfg.Secret)
	mm := matchmaking.NewHandler(
		ticket.NewAuthenticator(codec, accountStore),
		reg,
		party.NewRedisResolver(rdb),
		notify,
		matchmaking.Options{PollInterval: cfg.PollInterval, ReadyTimeout: cfg.ReadyTimeout, SoloFallback: cfg.SoloFallback},
	)
	hs := handshake.NewHandler(codec, sessions.NewDirectory(), reg)
	setter := status.NewSetter(reg)

	// Metrics, health and admin HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, reg, accountStore, health.CheckFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	status.Register(mux, setter, cfg.AdminToken)

	servers := []*http.Server{
		{Addr: cfg.MatchmakingAddr(), Handler: mm, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.HandshakeAddr(), Handler: hs, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.HTTPAddr(), Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Str("addr", srv.Addr).Msg("starting listener")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Str("addr", srv.Addr).Msg("http server error")
			}
		}(srv)
	}

	if cfg.StatusSubscription != "" && cfg.GoogleProjectID != "" {
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (in-cluster or ambient)")
		}
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.StatusSubscription, cfg.CredentialsFile)
		go func() {
			log.Info().Str("subscription", cfg.StatusSubscription).Msg("starting status subscriber loop")
			if err := subscriber.Start(ctx, setter.Handle); err != nil {
				log.Fatal().Err(err).Msg("status subscriber exited with fatal error; shutting down")
			}
		}()
	}

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("http server graceful shutdown failed")
		}
	}
	// hijacked websocket connections are not covered by Server.Shutdown
	if err := mm.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("matchmaking connections did not drain")
	}
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("handshake connections did not drain")
	}
	log.Info().Msg("shutdown complete")
}
