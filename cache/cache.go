package cache

import "context"

// Pub/sub channels carrying committed-mutation events, one per stream
// the propagation layer exposes.
const (
	ChannelPixels = "canvas:pixels"
	ChannelChat   = "canvas:chat"
	ChannelRound  = "canvas:round"
)

type PixelCacheItem struct {
	CellKey string
	Score   int64
	Data    []byte
}

// CanvasCache is the hot-path cache and the push-transport backbone.
// Everything here is best-effort: a failing cache degrades reads to the
// store and push delivery to polling, it never fails a user action.
type CanvasCache interface {
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe invokes handler for every message on channel until ctx
	// is cancelled. When the subscription terminates for any other
	// reason (broker drop, closed connection) onDrop fires once so the
	// caller can fall back to another delivery strategy; onDrop may be
	// nil.
	Subscribe(ctx context.Context, channel string, handler func(message []byte), onDrop func(err error)) error

	AddPixel(ctx context.Context, round int64, cellKey string, score int64, pixelData []byte) error
	AddPixelsBatch(ctx context.Context, round int64, pixels []PixelCacheItem) error
	RemovePixel(ctx context.Context, round int64, cellKey string) error
	GetPixels(ctx context.Context, round int64) ([][]byte, error)

	SetCanvasComplete(ctx context.Context, round int64) error
	IsCanvasComplete(ctx context.Context, round int64) (bool, error)
	InvalidateRound(ctx context.Context, round int64) error

	// ReserveChatSlot claims the per-address chat slot for gapMs
	// milliseconds. Returns false while a previous claim is still live.
	ReserveChatSlot(ctx context.Context, networkAddress string, gapMs int64) (bool, error)

	AddChat(ctx context.Context, chatData []byte) error
	GetRecentChat(ctx context.Context, limit int) ([][]byte, error)
}
