package propagate

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// FallbackFeed prefers the push strategy and transparently demotes to
// the poll strategy when the push channel cannot be established or
// drops mid-stream. Demotion migrates every live push subscription onto
// poll, which may replay entities a subscriber already holds: the poll
// diff starts from an empty snapshot, which is safe because consumers
// apply events idempotently (see CanvasView).
type FallbackFeed struct {
	push *PushFeed
	poll *PollFeed

	next atomic.Uint64

	mu      sync.Mutex
	demoted bool
	routes  map[Handle]route
}

type route struct {
	feed     Feed
	handle   Handle
	callback func(Event)
}

func NewFallbackFeed(push *PushFeed, poll *PollFeed) *FallbackFeed {
	f := &FallbackFeed{
		push:   push,
		poll:   poll,
		routes: make(map[Handle]route),
	}
	push.OnFailure(f.ReportFailure)
	return f
}

func (f *FallbackFeed) Subscribe(callback func(Event)) (Handle, error) {
	f.mu.Lock()
	demoted := f.demoted
	f.mu.Unlock()

	if !demoted {
		if handle, err := f.push.Subscribe(callback); err == nil {
			return f.track(f.push, handle, callback), nil
		}
		log.Warn().Msg("push subscribe failed, falling back to poll")
		f.demote()
	}

	handle, err := f.poll.Subscribe(callback)
	if err != nil {
		return 0, err
	}
	return f.track(f.poll, handle, callback), nil
}

func (f *FallbackFeed) Unsubscribe(handle Handle) {
	f.mu.Lock()
	r, ok := f.routes[handle]
	delete(f.routes, handle)
	f.mu.Unlock()

	if ok {
		r.feed.Unsubscribe(r.handle)
	}
}

// ReportFailure demotes the feed after the push channel drops
// mid-stream: future subscriptions go straight to the poll strategy and
// existing push subscribers are re-routed onto it, so nobody is left
// waiting on a dead channel.
func (f *FallbackFeed) ReportFailure() {
	log.Warn().Msg("push channel failure reported, demoting feed to poll")
	f.demote()
}

func (f *FallbackFeed) demote() {
	f.mu.Lock()
	f.demoted = true
	stranded := make([]Handle, 0, len(f.routes))
	for outer, r := range f.routes {
		if r.feed == f.push {
			stranded = append(stranded, outer)
		}
	}
	f.mu.Unlock()

	for _, outer := range stranded {
		f.migrate(outer)
	}
}

// migrate moves one subscription from push to poll. The owner may
// unsubscribe concurrently, in which case the fresh poll subscription
// is torn down again.
func (f *FallbackFeed) migrate(outer Handle) {
	f.mu.Lock()
	r, ok := f.routes[outer]
	f.mu.Unlock()
	if !ok || r.feed != f.push {
		return
	}

	pollHandle, err := f.poll.Subscribe(r.callback)
	if err != nil {
		log.Error().Err(err).Msg("poll migration failed, subscriber stays on push")
		return
	}
	f.push.Unsubscribe(r.handle)

	f.mu.Lock()
	_, still := f.routes[outer]
	if still {
		f.routes[outer] = route{feed: f.poll, handle: pollHandle, callback: r.callback}
	}
	f.mu.Unlock()

	if !still {
		f.poll.Unsubscribe(pollHandle)
	}
}

func (f *FallbackFeed) track(feed Feed, inner Handle, callback func(Event)) Handle {
	outer := Handle(f.next.Add(1))
	f.mu.Lock()
	f.routes[outer] = route{feed: feed, handle: inner, callback: callback}
	f.mu.Unlock()
	return outer
}
