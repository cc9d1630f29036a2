package propagate

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	cachemocks "github.com/zlnvch/pixelround/cache/mocks"
)

func TestPushFeed_DeliversPublishedEvents(t *testing.T) {
	mockCache := new(cachemocks.MockCache)

	var handler func([]byte)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(2).(func([]byte))
		}).
		Return(nil)

	feed := NewPushFeed(mockCache, "canvas:pixels")

	callback, events := collectEvents()
	handle, err := feed.Subscribe(callback)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle)

	handler(PixelPlacedEvent(pixelAt(1, 2)).Marshal())

	got := waitEvent(t, events)
	assert.Equal(t, EventPixelPlaced, got.Type)
	assert.Equal(t, "1:2", got.Key())
}

func TestPushFeed_DropsMalformedPayloads(t *testing.T) {
	mockCache := new(cachemocks.MockCache)

	var handler func([]byte)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(2).(func([]byte))
		}).
		Return(nil)

	feed := NewPushFeed(mockCache, "canvas:pixels")

	callback, events := collectEvents()
	handle, err := feed.Subscribe(callback)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle)

	handler([]byte("{not json"))
	assertNoEvent(t, events)
}

func TestPushFeed_SingleUpstreamSubscription(t *testing.T) {
	mockCache := new(cachemocks.MockCache)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).Return(nil)

	feed := NewPushFeed(mockCache, "canvas:pixels")

	cb1, _ := collectEvents()
	cb2, _ := collectEvents()
	h1, err := feed.Subscribe(cb1)
	assert.NoError(t, err)
	h2, err := feed.Subscribe(cb2)
	assert.NoError(t, err)
	defer feed.Unsubscribe(h1)
	defer feed.Unsubscribe(h2)

	mockCache.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestPushFeed_DropResubscribesOnNextSubscriber(t *testing.T) {
	mockCache := new(cachemocks.MockCache)

	var onDrop func(error)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onDrop = args.Get(3).(func(error))
		}).
		Return(nil)

	feed := NewPushFeed(mockCache, "canvas:pixels")

	callback, _ := collectEvents()
	handle, err := feed.Subscribe(callback)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle)

	onDrop(errors.New("connection reset"))

	// The feed reset itself, a new subscriber reopens the channel
	callback2, _ := collectEvents()
	handle2, err := feed.Subscribe(callback2)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle2)

	mockCache.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestFallbackFeed_DemotesToPollOnSubscribeFailure(t *testing.T) {
	mockCache := new(cachemocks.MockCache)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).
		Return(errors.New("pubsub unavailable"))

	snapshot := newMutableSnapshot()
	snapshot.put(PixelPlacedEvent(pixelAt(7, 7)))

	fakeClock := clockwork.NewFakeClock()
	feed := NewFallbackFeed(
		NewPushFeed(mockCache, "canvas:pixels"),
		NewPollFeed(snapshot.fetch, nil, time.Second, fakeClock),
	)

	callback, events := collectEvents()
	handle, err := feed.Subscribe(callback)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle)

	// The subscriber still sees the canvas, now via polling
	got := waitEvent(t, events)
	assert.Equal(t, "7:7", got.Key())

	// Later subscribers go straight to poll without retrying push
	callback2, events2 := collectEvents()
	handle2, err := feed.Subscribe(callback2)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle2)

	assert.NotEqual(t, handle, handle2)

	snapshot.put(PixelPlacedEvent(pixelAt(8, 8)))
	fakeClock.Advance(time.Second)
	waitEvent(t, events2)

	mockCache.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestFallbackFeed_MidStreamDropMigratesToPoll(t *testing.T) {
	mockCache := new(cachemocks.MockCache)

	var handler func([]byte)
	var onDrop func(error)
	mockCache.On("Subscribe", mock.Anything, "canvas:pixels", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(2).(func([]byte))
			onDrop = args.Get(3).(func(error))
		}).
		Return(nil)

	snapshot := newMutableSnapshot()
	fakeClock := clockwork.NewFakeClock()
	feed := NewFallbackFeed(
		NewPushFeed(mockCache, "canvas:pixels"),
		NewPollFeed(snapshot.fetch, nil, time.Second, fakeClock),
	)

	callback, events := collectEvents()
	handle, err := feed.Subscribe(callback)
	assert.NoError(t, err)
	defer feed.Unsubscribe(handle)

	handler(PixelPlacedEvent(pixelAt(1, 1)).Marshal())
	assert.Equal(t, "1:1", waitEvent(t, events).Key())

	// The broker connection dies after a mutation only the poll read
	// path can see
	snapshot.put(PixelPlacedEvent(pixelAt(2, 2)))
	onDrop(errors.New("connection reset"))

	// The existing subscriber is carried over to poll and catches up
	assert.Equal(t, "2:2", waitEvent(t, events).Key())

	// Subsequent mutations keep flowing on poll ticks
	snapshot.put(PixelPlacedEvent(pixelAt(3, 3)))
	fakeClock.Advance(time.Second)
	assert.Equal(t, "3:3", waitEvent(t, events).Key())

	mockCache.AssertNumberOfCalls(t, "Subscribe", 1)
}
