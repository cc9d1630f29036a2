package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/mq"
	"github.com/zlnvch/pixelround/store"
)

// PurgeConsumer drains the purge queue and physically deletes the pixel
// rows of retired rounds. Liveness is governed by round stamps, so this
// is pure garbage collection; a crash mid-purge just redelivers the
// message and the deletes are idempotent.
type PurgeConsumer struct {
	purgeQueue  mq.MessageQueue
	canvasStore store.CanvasStore
	canvasCache cache.CanvasCache
}

func NewPurgeConsumer(purgeQueue mq.MessageQueue, canvasStore store.CanvasStore, canvasCache cache.CanvasCache) *PurgeConsumer {
	return &PurgeConsumer{
		purgeQueue:  purgeQueue,
		canvasStore: canvasStore,
		canvasCache: canvasCache,
	}
}

// Allow up to 5 minutes for the throttled batch deletion of a full round
const visibilityTimeout = 300

func (c PurgeConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := c.purgeQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error().Err(err).Msg("purge queue receive failed")
			continue
		}

		if msg == nil {
			continue
		}

		var purgeMsg mq.PurgeRoundMessage
		if err := json.Unmarshal([]byte(msg.Body), &purgeMsg); err != nil {
			// Drop the poison message, redelivery cannot fix it
			log.Error().Err(err).Str("body", msg.Body).Msg("dropping malformed purge message")
			if err := c.purgeQueue.Delete(context.Background(), msg); err != nil {
				log.Error().Err(err).Msg("purge message delete failed")
			}
			continue
		}

		// timeout should be a little less than queue visibility timeout
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)

		err = c.canvasStore.PurgePixels(ctx, purgeMsg.Round)
		if err == nil {
			if err := c.canvasCache.InvalidateRound(ctx, purgeMsg.Round); err != nil {
				log.Warn().Err(err).Int64("round", purgeMsg.Round).Msg("round cache invalidation failed")
			}
		}
		cancel()

		if err != nil {
			log.Error().Err(err).Int64("round", purgeMsg.Round).Msg("round purge failed")
			continue
		}

		log.Info().Int64("round", purgeMsg.Round).Msg("retired round purged")

		if err := c.purgeQueue.Delete(context.Background(), msg); err != nil {
			log.Error().Err(err).Msg("purge message delete failed")
			continue
		}
	}
}
