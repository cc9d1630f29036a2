package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/propagate"
	"github.com/zlnvch/pixelround/store"
)

// BatchedPixel is a pixel whose ink was already consumed and whose
// occupancy commit is deferred to the next flush.
type BatchedPixel struct {
	Pixel     models.Pixel
	SessionId string
}

// CancelPixelRequest removes a *pending* write from the buffer before
// it flushes, used when the same participant erases a cell they just
// painted. The consumed ink is returned because the write never commits.
type CancelPixelRequest struct {
	Round     int64
	CellKey   string
	SessionId string
}

// PixelBatcher coalesces optimistic pixel writes over a quiet period.
// Note: commits stay per-item conditional writes rather than a batch
// write because the storage batch APIs do not support condition
// expressions, and occupancy needs the vacancy check. Batching here
// buys write coalescing and cancellation, not fewer round trips.
type PixelBatcher struct {
	WriteCh  chan BatchedPixel
	CancelCh chan CancelPixelRequest

	canvasStore store.CanvasStore
	canvasCache cache.CanvasCache
	quietPeriod time.Duration
	maxBatch    int
}

func NewPixelBatcher(canvasStore store.CanvasStore, canvasCache cache.CanvasCache, quietPeriod time.Duration, maxBatch int) *PixelBatcher {
	return &PixelBatcher{
		WriteCh:     make(chan BatchedPixel, 1024), // buffer to absorb bursts
		CancelCh:    make(chan CancelPixelRequest, 1024),
		canvasStore: canvasStore,
		canvasCache: canvasCache,
		quietPeriod: quietPeriod,
		maxBatch:    maxBatch,
	}
}

func pendingKey(round int64, cellKey string) string {
	return strconv.FormatInt(round, 10) + "/" + cellKey
}

func (b *PixelBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(b.quietPeriod)
	defer ticker.Stop()

	batch := make([]BatchedPixel, 0, b.maxBatch)
	batchIndices := make(map[string]int, b.maxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Hangs off Background rather than shutdownCtx so pending
		// writes still finish during shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, item := range batch {
			b.commit(ctx, item)
		}

		batch = batch[:0]
		clear(batchIndices)
	}

	for {
		select {
		case item := <-b.WriteCh:
			batch = append(batch, item)
			batchIndices[pendingKey(item.Pixel.Round, item.Pixel.CellKey())] = len(batch) - 1
			if len(batch) >= b.maxBatch {
				flush()
			}

		case cancelReq := <-b.CancelCh:
			key := pendingKey(cancelReq.Round, cancelReq.CellKey)
			if idx, ok := batchIndices[key]; ok {
				if batch[idx].SessionId == cancelReq.SessionId {
					cancelled := batch[idx]
					l := len(batch)
					batch[idx] = batch[l-1]
					batch = batch[:l-1]

					// Update index of the moved item
					if idx < len(batch) {
						moved := batch[idx]
						batchIndices[pendingKey(moved.Pixel.Round, moved.Pixel.CellKey())] = idx
					}
					delete(batchIndices, key)

					b.refund(cancelled.SessionId)
				}
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			flush()
			return
		}
	}
}

// commit performs the conditional occupancy insert for one buffered
// pixel. A vacancy loss refunds the ink and announces an erase for the
// cell so optimistic views roll the speculative paint back.
func (b *PixelBatcher) commit(ctx context.Context, item BatchedPixel) {
	placed, err := b.canvasStore.PlacePixel(ctx, item.Pixel)
	if err != nil {
		log.Error().Err(err).Str("cell", item.Pixel.CellKey()).Msg("deferred pixel commit failed")
		b.refund(item.SessionId)
		b.announceRejection(ctx, item.Pixel)
		return
	}
	if !placed {
		b.refund(item.SessionId)
		b.announceRejection(ctx, item.Pixel)
		return
	}

	pixelBytes := propagate.PixelPlacedEvent(item.Pixel).Marshal()
	if err := b.canvasCache.AddPixel(ctx, item.Pixel.Round, item.Pixel.CellKey(), item.Pixel.CreatedMs, mustMarshalPixel(item.Pixel)); err != nil {
		log.Warn().Err(err).Str("cell", item.Pixel.CellKey()).Msg("pixel cache add failed")
	}
	if err := b.canvasCache.Publish(ctx, cache.ChannelPixels, pixelBytes); err != nil {
		log.Warn().Err(err).Str("cell", item.Pixel.CellKey()).Msg("pixel publish failed")
	}
}

func (b *PixelBatcher) refund(sessionId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.canvasStore.RefundInk(ctx, sessionId, 1); err != nil {
		log.Error().Err(err).Str("session", sessionId).Msg("ink refund failed")
	}
}

func (b *PixelBatcher) announceRejection(ctx context.Context, pixel models.Pixel) {
	event := propagate.PixelErasedEvent(pixel)
	if err := b.canvasCache.Publish(ctx, cache.ChannelPixels, event.Marshal()); err != nil {
		log.Warn().Err(err).Str("cell", pixel.CellKey()).Msg("rejection publish failed")
	}
}

func mustMarshalPixel(p models.Pixel) []byte {
	b, _ := json.Marshal(p)
	return b
}
