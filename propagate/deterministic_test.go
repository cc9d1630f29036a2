package propagate

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/models"
)

func TestRoundTicker_ImmediateCurrentRound(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.UnixMilli(90_000))
	synchronizer := clock.NewLocal(fakeClock)
	ticker := NewRoundTicker(synchronizer, 30*time.Second, time.Second, fakeClock)

	callback, events := collectEvents()
	handle, err := ticker.Subscribe(callback)
	assert.NoError(t, err)
	defer ticker.Unsubscribe(handle)

	initial := waitEvent(t, events)
	assert.Equal(t, EventRoundChanged, initial.Type)
	assert.Equal(t, int64(3), initial.Round.Number)
	assert.Equal(t, int64(90_000), initial.Round.StartMs)
	assert.Equal(t, int64(120_000), initial.Round.EndMs)
}

func TestRoundTicker_FiresOnBoundaryOnly(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.UnixMilli(90_000))
	synchronizer := clock.NewLocal(fakeClock)
	ticker := NewRoundTicker(synchronizer, 30*time.Second, time.Second, fakeClock)

	callback, events := collectEvents()
	handle, err := ticker.Subscribe(callback)
	assert.NoError(t, err)
	defer ticker.Unsubscribe(handle)

	waitEvent(t, events) // current round on subscribe

	// Wait for the run loop's ticker before driving the clock
	fakeClock.BlockUntil(1)

	// Mid-round ticks are silent
	fakeClock.Advance(time.Second)
	assertNoEvent(t, events)

	// Crossing the boundary fires exactly one change
	fakeClock.Advance(30 * time.Second)
	changed := waitEvent(t, events)
	assert.Equal(t, int64(4), changed.Round.Number)
	assertNoEvent(t, events)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "2:3", PixelPlacedEvent(pixelAt(2, 3)).Key())
	assert.Equal(t, "round:7", RoundChangedEvent(models.Round{Number: 7}).Key())
}
