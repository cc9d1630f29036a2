package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/zlnvch/pixelround/api/rest"
	"github.com/zlnvch/pixelround/api/ws"
	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/config"
	"github.com/zlnvch/pixelround/mq"
	"github.com/zlnvch/pixelround/propagate"
	"github.com/zlnvch/pixelround/round"
	"github.com/zlnvch/pixelround/service"
	"github.com/zlnvch/pixelround/store"
	"github.com/zlnvch/pixelround/worker"
)

type PixelroundAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

// NewPixelroundAPI assembles the whole runtime: the round controller,
// the deferred-write batcher, the purge consumer, the propagation feeds
// and the transport handlers on top of them.
func NewPixelroundAPI(
	cfg config.Config,
	canvasStore store.CanvasStore,
	canvasCache cache.CanvasCache,
	purgeQueue mq.MessageQueue,
	synchronizer clock.Synchronizer,
	jwtSecret []byte,
	adminToken string,
	shutdownCtx context.Context,
) (*PixelroundAPI, error) {
	realClock := clockwork.NewRealClock()

	controller := round.NewController(
		canvasStore, canvasCache, purgeQueue, synchronizer, realClock,
		cfg.Round.Mode, cfg.Round.Duration, cfg.Round.Tick,
	)
	go controller.Run(shutdownCtx)

	pixelBatcher := worker.NewPixelBatcher(canvasStore, canvasCache, cfg.Batcher.QuietPeriod, cfg.Batcher.MaxBatch)
	go pixelBatcher.Run(shutdownCtx)

	purgeConsumer := worker.NewPurgeConsumer(purgeQueue, canvasStore, canvasCache)
	go purgeConsumer.Run(shutdownCtx)

	svc := service.NewService(
		canvasStore,
		canvasCache,
		purgeQueue,
		pixelBatcher,
		controller,
		synchronizer,
		service.Limits{
			GridWidth:     cfg.Grid.Width,
			GridHeight:    cfg.Grid.Height,
			MaxInk:        cfg.Budgets.MaxInk,
			MaxEraser:     cfg.Budgets.MaxEraser,
			ChatMaxLength: cfg.Chat.MaxLength,
			ChatMinGap:    cfg.Chat.MinGap,
		},
		jwtSecret,
	)

	pixelFeed, chatFeed, roundFeed := buildFeeds(cfg, svc, canvasCache, controller, synchronizer, realClock)

	wsHub := ws.NewHub(pixelFeed, chatFeed, roundFeed)
	go wsHub.Run()

	restHandler := rest.NewHandler(svc, adminToken)
	wsHandler := ws.NewHandler(svc, wsHub)

	return &PixelroundAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}, nil
}

// buildFeeds wires the propagation strategies. Pixels and chat prefer
// push over the cache pub/sub with a poll fallback diffing the read
// path; the round stream is clock-derived when rounds are deterministic
// and pushed otherwise.
func buildFeeds(
	cfg config.Config,
	svc *service.Service,
	canvasCache cache.CanvasCache,
	controller *round.Controller,
	synchronizer clock.Synchronizer,
	realClock clockwork.Clock,
) (pixelFeed, chatFeed, roundFeed propagate.Feed) {
	pixelSnapshot := func(ctx context.Context) (map[string]propagate.Event, error) {
		pixels, err := svc.GetPixels(ctx)
		if err != nil {
			return nil, err
		}
		snapshot := make(map[string]propagate.Event, len(pixels))
		for _, p := range pixels {
			event := propagate.PixelPlacedEvent(p)
			snapshot[event.Key()] = event
		}
		return snapshot, nil
	}
	pixelRemove := func(event propagate.Event) propagate.Event {
		return propagate.PixelErasedEvent(*event.Pixel)
	}
	pixelFeed = propagate.NewFallbackFeed(
		propagate.NewPushFeed(canvasCache, cache.ChannelPixels),
		propagate.NewPollFeed(pixelSnapshot, pixelRemove, cfg.Propagation.PollInterval, realClock),
	)

	chatSnapshot := func(ctx context.Context) (map[string]propagate.Event, error) {
		messages, err := svc.GetRecentChat(ctx, 50)
		if err != nil {
			return nil, err
		}
		snapshot := make(map[string]propagate.Event, len(messages))
		for _, m := range messages {
			event := propagate.ChatEvent(m)
			snapshot[event.Key()] = event
		}
		return snapshot, nil
	}
	chatFeed = propagate.NewFallbackFeed(
		propagate.NewPushFeed(canvasCache, cache.ChannelChat),
		propagate.NewPollFeed(chatSnapshot, nil, cfg.Propagation.PollInterval, realClock),
	)

	if cfg.Round.Mode == config.RoundDeterministic {
		roundFeed = propagate.NewRoundTicker(synchronizer, cfg.Round.Duration, cfg.Round.Tick, realClock)
		return pixelFeed, chatFeed, roundFeed
	}

	roundSnapshot := func(ctx context.Context) (map[string]propagate.Event, error) {
		active, err := controller.Active(ctx)
		if err != nil {
			return nil, err
		}
		if active.IsZero() {
			return map[string]propagate.Event{}, nil
		}
		event := propagate.RoundChangedEvent(active)
		return map[string]propagate.Event{event.Key(): event}, nil
	}
	roundFeed = propagate.NewFallbackFeed(
		propagate.NewPushFeed(canvasCache, cache.ChannelRound),
		propagate.NewPollFeed(roundSnapshot, nil, cfg.Propagation.PollInterval, realClock),
	)
	return pixelFeed, chatFeed, roundFeed
}

func (a *PixelroundAPI) RegisterRoutes(r chi.Router, requiredOrigin string) {
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Post("/session", a.restHandler.HandleSession)
	r.Get("/state", a.restHandler.HandleState)
	r.Get("/pixels", a.restHandler.HandlePixels)
	r.Post("/pixels", a.restHandler.HandlePlacePixel)
	r.Delete("/pixels", a.restHandler.HandleErasePixel)
	r.Get("/chat", a.restHandler.HandleRecentChat)
	r.Post("/chat", a.restHandler.HandleSendChat)
	r.Post("/admin/reset", a.restHandler.HandleReset)

	wsUpgrader := a.wsHandler.NewWsUpgrader(requiredOrigin)
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		a.wsHandler.ServeWS(wsUpgrader, w, req, a.shutdownCtx)
	})
}
