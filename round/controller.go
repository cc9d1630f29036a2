package round

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/config"
	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/mq"
	"github.com/zlnvch/pixelround/propagate"
	"github.com/zlnvch/pixelround/store"
)

// ErrManualResetUnsupported is returned by Force when rounds are derived
// from the clock and no stored round row exists to replace.
var ErrManualResetUnsupported = errors.New("manual reset is not available with derived rounds")

// Controller owns round lifecycle. In assigned mode it watches the
// stored round row and advances it with a compare-and-swap when the
// deadline passes, so any number of instances can run the same loop and
// exactly one wins each transition. In deterministic mode the round is
// a pure function of the synchronized clock and the controller only
// schedules cleanup of retired rounds.
type Controller struct {
	canvasStore  store.CanvasStore
	canvasCache  cache.CanvasCache
	purgeQueue   mq.MessageQueue
	synchronizer clock.Synchronizer
	ticker       clockwork.Clock

	mode     config.RoundMode
	duration time.Duration
	tick     time.Duration

	mu      sync.RWMutex
	current models.Round
}

func NewController(
	canvasStore store.CanvasStore,
	canvasCache cache.CanvasCache,
	purgeQueue mq.MessageQueue,
	synchronizer clock.Synchronizer,
	ticker clockwork.Clock,
	mode config.RoundMode,
	duration time.Duration,
	tick time.Duration,
) *Controller {
	return &Controller{
		canvasStore:  canvasStore,
		canvasCache:  canvasCache,
		purgeQueue:   purgeQueue,
		synchronizer: synchronizer,
		ticker:       ticker,
		mode:         mode,
		duration:     duration,
		tick:         tick,
	}
}

// Active returns the round new pixels belong to right now.
func (c *Controller) Active(ctx context.Context) (models.Round, error) {
	if c.mode == config.RoundDeterministic {
		return clock.RoundAt(c.synchronizer.Now(), c.duration), nil
	}

	c.mu.RLock()
	cached := c.current
	c.mu.RUnlock()

	now := c.synchronizer.Now().UnixMilli()
	if !cached.IsZero() && cached.IsActive(now) {
		return cached, nil
	}

	round, err := c.canvasStore.ActiveRound(ctx)
	if err != nil {
		return models.Round{}, err
	}
	c.remember(round)
	return round, nil
}

// Force ends the current round immediately and starts a fresh one.
func (c *Controller) Force(ctx context.Context) (models.Round, error) {
	if c.mode == config.RoundDeterministic {
		return models.Round{}, ErrManualResetUnsupported
	}

	current, err := c.canvasStore.ActiveRound(ctx)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return models.Round{}, err
	}

	next := c.nextRound(current)
	ok, err := c.canvasStore.AdvanceRound(ctx, current.Number, next)
	if err != nil {
		return models.Round{}, err
	}
	if !ok {
		// Someone else advanced concurrently, their round wins.
		round, err := c.canvasStore.ActiveRound(ctx)
		if err != nil {
			return models.Round{}, err
		}
		c.remember(round)
		return round, nil
	}

	c.settle(ctx, current, next)
	return next, nil
}

func (c *Controller) Run(shutdownCtx context.Context) {
	if c.mode == config.RoundDeterministic {
		c.runDerived(shutdownCtx)
		return
	}
	c.runAssigned(shutdownCtx)
}

func (c *Controller) runAssigned(shutdownCtx context.Context) {
	ticker := c.ticker.NewTicker(c.tick)
	defer ticker.Stop()

	c.step(shutdownCtx)
	for {
		select {
		case <-shutdownCtx.Done():
			return
		case <-ticker.Chan():
			c.step(shutdownCtx)
		}
	}
}

// step advances the stored round when its deadline passed. Losing the
// compare-and-swap is the normal multi-instance outcome and only means
// another instance performed the same transition.
func (c *Controller) step(ctx context.Context) {
	current, err := c.canvasStore.ActiveRound(ctx)
	if errors.Is(err, store.ErrItemNotFound) {
		c.bootstrap(ctx)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("round lookup failed")
		return
	}
	c.remember(current)

	now := c.synchronizer.Now().UnixMilli()
	if current.IsActive(now) {
		return
	}

	next := c.nextRound(current)
	ok, err := c.canvasStore.AdvanceRound(ctx, current.Number, next)
	if err != nil {
		log.Error().Err(err).Int64("from", current.Number).Msg("round advance failed")
		return
	}
	if !ok {
		return
	}

	c.settle(ctx, current, next)
}

func (c *Controller) bootstrap(ctx context.Context) {
	first := c.nextRound(models.Round{})
	ok, err := c.canvasStore.AdvanceRound(ctx, 0, first)
	if err != nil {
		log.Error().Err(err).Msg("round bootstrap failed")
		return
	}
	if ok {
		log.Info().Int64("round", first.Number).Msg("first round started")
		c.remember(first)
		c.publish(ctx, first)
	}
}

func (c *Controller) nextRound(current models.Round) models.Round {
	start := c.synchronizer.Now().UnixMilli()
	return models.Round{
		Number:  current.Number + 1,
		StartMs: start,
		EndMs:   start + c.duration.Milliseconds(),
	}
}

// settle runs the side effects of a won transition: announce the new
// round and hand the retired one to the purge queue.
func (c *Controller) settle(ctx context.Context, retired, next models.Round) {
	log.Info().
		Int64("retired", retired.Number).
		Int64("round", next.Number).
		Msg("round advanced")

	c.remember(next)
	c.publish(ctx, next)

	if retired.Number > 0 {
		c.enqueuePurge(ctx, retired.Number)
	}
}

// runDerived watches the clock-derived round number and performs the
// cleanup side effects at each boundary. The transition itself needs no
// storage write, every observer derives it independently.
func (c *Controller) runDerived(shutdownCtx context.Context) {
	ticker := c.ticker.NewTicker(c.tick)
	defer ticker.Stop()

	last := clock.RoundAt(c.synchronizer.Now(), c.duration)
	c.remember(last)

	for {
		select {
		case <-shutdownCtx.Done():
			return
		case <-ticker.Chan():
			round := clock.RoundAt(c.synchronizer.Now(), c.duration)
			if round.Number == last.Number {
				continue
			}
			retired := last
			last = round
			c.settle(shutdownCtx, retired, round)
		}
	}
}

func (c *Controller) remember(round models.Round) {
	c.mu.Lock()
	c.current = round
	c.mu.Unlock()
}

func (c *Controller) publish(ctx context.Context, round models.Round) {
	event := propagate.RoundChangedEvent(round)
	if err := c.canvasCache.Publish(ctx, cache.ChannelRound, event.Marshal()); err != nil {
		log.Error().Err(err).Int64("round", round.Number).Msg("failed to publish round change")
	}
}

func (c *Controller) enqueuePurge(ctx context.Context, retired int64) {
	body, _ := json.Marshal(mq.PurgeRoundMessage{Round: retired})
	if err := c.purgeQueue.Send(ctx, string(body)); err != nil {
		log.Error().Err(err).Int64("round", retired).Msg("failed to enqueue round purge")
	}
}
