package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/api"
	"github.com/zlnvch/pixelround/cache/redis"
	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/config"
	"github.com/zlnvch/pixelround/mq/sqsmq"
	"github.com/zlnvch/pixelround/store"
	"github.com/zlnvch/pixelround/store/dynamo"
	"github.com/zlnvch/pixelround/store/memory"
	"github.com/zlnvch/pixelround/store/postgres"
)

const (
	DynamoDBTable = "Pixelround"
	SQSPurgeQueue = "PurgeRoundQueue"
)

func main() {
	// Missing .env is fine, real deployments inject the environment
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("DEV_MODE") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	devMode := os.Getenv("DEV_MODE") == "true"

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	canvasStore := buildStore(ctx, cfg, devMode)

	purgeQueue, err := sqsmq.NewSQSMessageQueue(ctx, devMode, os.Getenv("SQS_ENDPOINT"), SQSPurgeQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SQS MQ")
	}

	canvasCache, err := redis.NewRedisCanvasCache(ctx, devMode, os.Getenv("REDIS_ENDPOINT"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis cache")
	}

	synchronizer := buildClock(cfg)

	jwtSecret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to decode base64 jwtSecret")
	}
	adminToken := os.Getenv("ADMIN_TOKEN")

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	pixelroundApi, err := api.NewPixelroundAPI(
		cfg, canvasStore, canvasCache, purgeQueue, synchronizer, jwtSecret, adminToken, shutdownCtx,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	pixelroundApi.RegisterRoutes(r, os.Getenv("ALLOWED_ORIGIN"))

	hostPort := "8080"
	if p := os.Getenv("HOST_PORT"); p != "" {
		hostPort = p
	}
	log.Info().Str("port", hostPort).Str("store", string(cfg.Store)).Str("roundMode", string(cfg.Round.Mode)).Msg("starting server")
	if err := http.ListenAndServe(":"+hostPort, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func buildStore(ctx context.Context, cfg config.Config, devMode bool) store.CanvasStore {
	switch cfg.Store {
	case config.StoreDynamo:
		canvasStore, err := dynamo.NewDynamoCanvasStore(ctx, devMode, os.Getenv("DYNAMODB_ENDPOINT"), DynamoDBTable)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create dynamodb store")
		}
		return canvasStore
	case config.StorePostgres:
		canvasStore, err := postgres.NewPostgresCanvasStore(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create postgres store")
		}
		return canvasStore
	default:
		log.Warn().Msg("using in-memory store, state will not survive restarts")
		return memory.NewMemoryCanvasStore()
	}
}

func buildClock(cfg config.Config) clock.Synchronizer {
	realClock := clockwork.NewRealClock()
	if cfg.Clock.TimeSourceURL == "" {
		return clock.NewLocal(realClock)
	}
	return clock.NewSynced(realClock, cfg.Clock.TimeSourceURL, cfg.Clock.OffsetTTL, cfg.Clock.FetchTimeout)
}
