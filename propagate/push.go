package propagate

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/cache"
)

// PushFeed delivers committed mutations the moment they are published
// on the cache pub/sub channel. The underlying subscription is opened
// lazily on the first subscriber and closed with the last one. When the
// subscription drops mid-stream the feed resets itself and reports the
// failure, so subscribers can be moved to another strategy instead of
// waiting on a channel that will never deliver again.
type PushFeed struct {
	canvasCache cache.CanvasCache
	channel     string

	subs *subscribers

	mu        sync.Mutex
	cancel    context.CancelFunc
	onFailure func()
}

func NewPushFeed(canvasCache cache.CanvasCache, channel string) *PushFeed {
	return &PushFeed{
		canvasCache: canvasCache,
		channel:     channel,
		subs:        newSubscribers(),
	}
}

func (f *PushFeed) Subscribe(callback func(Event)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		err := f.canvasCache.Subscribe(ctx, f.channel, func(message []byte) {
			event, err := UnmarshalEvent(message)
			if err != nil {
				log.Warn().Err(err).Str("channel", f.channel).Msg("dropping malformed push event")
				return
			}
			f.subs.broadcast(event)
		}, f.dropped)
		if err != nil {
			cancel()
			return 0, err
		}
		f.cancel = cancel
	}

	return f.subs.add(callback), nil
}

// OnFailure registers the callback invoked after an established
// subscription drops mid-stream.
func (f *PushFeed) OnFailure(fn func()) {
	f.mu.Lock()
	f.onFailure = fn
	f.mu.Unlock()
}

// dropped resets the feed so a later Subscribe reopens the upstream
// subscription, then reports the failure.
func (f *PushFeed) dropped(err error) {
	log.Warn().Err(err).Str("channel", f.channel).Msg("push subscription dropped")

	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	fn := f.onFailure
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (f *PushFeed) Unsubscribe(handle Handle) {
	f.subs.remove(handle)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs.count() == 0 && f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}
