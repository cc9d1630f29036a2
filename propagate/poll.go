package propagate

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// SnapshotFunc fetches the full current state of a stream, keyed the
// same way Event.Key() keys events.
type SnapshotFunc func(ctx context.Context) (map[string]Event, error)

// PollFeed emulates a subscription by re-fetching the full state on a
// fixed interval and diffing against the last-seen snapshot: one
// callback is synthesized per newly observed entity and, via removeFn,
// per disappeared one. A transiently failing fetch skips the tick; the
// previous snapshot stays authoritative so no removal is hallucinated.
type PollFeed struct {
	fetch    SnapshotFunc
	removeFn func(Event) Event
	interval time.Duration
	clock    clockwork.Clock

	subs *subscribers

	mu       sync.Mutex
	cancel   context.CancelFunc
	lastSeen map[string]Event
}

// NewPollFeed builds a poll strategy. removeFn turns a previously seen
// event into its removal counterpart (nil for append-only streams such
// as chat).
func NewPollFeed(fetch SnapshotFunc, removeFn func(Event) Event, interval time.Duration, clk clockwork.Clock) *PollFeed {
	return &PollFeed{
		fetch:    fetch,
		removeFn: removeFn,
		interval: interval,
		clock:    clk,
		subs:     newSubscribers(),
	}
}

func (f *PollFeed) Subscribe(callback func(Event)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(ctx)
	}

	return f.subs.add(callback), nil
}

func (f *PollFeed) Unsubscribe(handle Handle) {
	f.subs.remove(handle)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs.count() == 0 && f.cancel != nil {
		f.cancel()
		f.cancel = nil
		f.lastSeen = nil
	}
}

func (f *PollFeed) run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			f.tick(ctx)
		}
	}
}

func (f *PollFeed) tick(ctx context.Context) {
	snapshot, err := f.fetch(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("poll fetch failed, keeping last snapshot")
		return
	}

	f.mu.Lock()
	previous := f.lastSeen
	f.lastSeen = snapshot
	f.mu.Unlock()

	for key, event := range snapshot {
		if _, seen := previous[key]; !seen {
			f.subs.broadcast(event)
		}
	}

	if f.removeFn == nil {
		return
	}
	for key, event := range previous {
		if _, still := snapshot[key]; !still {
			f.subs.broadcast(f.removeFn(event))
		}
	}
}
