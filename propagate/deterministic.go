package propagate

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zlnvch/pixelround/clock"
)

// RoundTicker is the deterministic strategy for round state: round
// identity is a pure function of the synchronized clock, so there is
// nothing to transport. Every observer re-derives the round locally and
// the callback fires only when the derived number changes.
type RoundTicker struct {
	synchronizer clock.Synchronizer
	duration     time.Duration
	tick         time.Duration
	ticker       clockwork.Clock

	subs *subscribers

	mu     sync.Mutex
	cancel context.CancelFunc
	last   int64
}

func NewRoundTicker(synchronizer clock.Synchronizer, duration, tick time.Duration, ticker clockwork.Clock) *RoundTicker {
	return &RoundTicker{
		synchronizer: synchronizer,
		duration:     duration,
		tick:         tick,
		ticker:       ticker,
		subs:         newSubscribers(),
		last:         -1,
	}
}

func (t *RoundTicker) Subscribe(callback func(Event)) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		go t.run(ctx)
	}

	// New subscribers learn the current round immediately. Recording it
	// as last seen keeps the run loop's next tick silent until the
	// number actually changes.
	current := clock.RoundAt(t.synchronizer.Now(), t.duration)
	callback(RoundChangedEvent(current))
	t.last = current.Number

	return t.subs.add(callback), nil
}

func (t *RoundTicker) Unsubscribe(handle Handle) {
	t.subs.remove(handle)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs.count() == 0 && t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.last = -1
	}
}

func (t *RoundTicker) run(ctx context.Context) {
	ticker := t.ticker.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			round := clock.RoundAt(t.synchronizer.Now(), t.duration)

			t.mu.Lock()
			changed := round.Number != t.last
			if changed {
				t.last = round.Number
			}
			t.mu.Unlock()

			if changed {
				t.subs.broadcast(RoundChangedEvent(round))
			}
		}
	}
}
