package round

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	cachemocks "github.com/zlnvch/pixelround/cache/mocks"
	"github.com/zlnvch/pixelround/clock"
	"github.com/zlnvch/pixelround/config"
	"github.com/zlnvch/pixelround/models"
	mqmocks "github.com/zlnvch/pixelround/mq/mocks"
	"github.com/zlnvch/pixelround/store"
	storemocks "github.com/zlnvch/pixelround/store/mocks"
)

var testNow = time.UnixMilli(10_000_000)

func newTestController(mode config.RoundMode) (*Controller, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	synchronizer := clock.NewLocal(clockwork.NewFakeClockAt(testNow))
	controller := NewController(
		mockStore, mockCache, mockMQ, synchronizer, clockwork.NewFakeClockAt(testNow),
		mode, 30*time.Second, time.Second,
	)
	return controller, mockStore, mockCache, mockMQ
}

func expiredRound() models.Round {
	return models.Round{
		Number:  4,
		StartMs: testNow.UnixMilli() - 60_000,
		EndMs:   testNow.UnixMilli() - 30_000,
	}
}

func liveRound() models.Round {
	return models.Round{
		Number:  4,
		StartMs: testNow.UnixMilli() - 10_000,
		EndMs:   testNow.UnixMilli() + 20_000,
	}
}

func TestStep_AdvancesExpiredRound(t *testing.T) {
	controller, mockStore, mockCache, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(expiredRound(), nil)
	mockStore.On("AdvanceRound", ctx, int64(4), mock.MatchedBy(func(next models.Round) bool {
		return next.Number == 5 &&
			next.StartMs == testNow.UnixMilli() &&
			next.EndMs == testNow.UnixMilli()+30_000
	})).Return(true, nil)
	mockCache.On("Publish", ctx, "canvas:round", mock.Anything).Return(nil)
	mockMQ.On("Send", ctx, `{"round":4}`).Return(nil)

	controller.step(ctx)

	mockStore.AssertExpectations(t)
	mockCache.AssertExpectations(t)
	mockMQ.AssertExpectations(t)
}

func TestStep_LiveRoundUntouched(t *testing.T) {
	controller, mockStore, mockCache, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(liveRound(), nil)

	controller.step(ctx)

	mockStore.AssertNotCalled(t, "AdvanceRound", mock.Anything, mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestStep_LosingTheSwapIsQuiet(t *testing.T) {
	controller, mockStore, mockCache, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(expiredRound(), nil)
	mockStore.On("AdvanceRound", ctx, int64(4), mock.Anything).Return(false, nil)

	controller.step(ctx)

	// Another instance won the transition; no side effects here
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestStep_BootstrapsFirstRound(t *testing.T) {
	controller, mockStore, mockCache, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(models.Round{}, store.ErrItemNotFound)
	mockStore.On("AdvanceRound", ctx, int64(0), mock.MatchedBy(func(next models.Round) bool {
		return next.Number == 1
	})).Return(true, nil)
	mockCache.On("Publish", ctx, "canvas:round", mock.Anything).Return(nil)

	controller.step(ctx)

	mockStore.AssertExpectations(t)
	// Bootstrap retires nothing, so no purge is enqueued
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestForce_AdvancesImmediately(t *testing.T) {
	controller, mockStore, mockCache, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(liveRound(), nil)
	mockStore.On("AdvanceRound", ctx, int64(4), mock.Anything).Return(true, nil)
	mockCache.On("Publish", ctx, "canvas:round", mock.Anything).Return(nil)
	mockMQ.On("Send", ctx, `{"round":4}`).Return(nil)

	next, err := controller.Force(ctx)

	assert.NoError(t, err)
	assert.Equal(t, int64(5), next.Number)
	assert.Equal(t, testNow.UnixMilli(), next.StartMs)
}

func TestForce_ConcurrentLoserAdoptsWinner(t *testing.T) {
	controller, mockStore, _, mockMQ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	winner := models.Round{Number: 5, StartMs: testNow.UnixMilli(), EndMs: testNow.UnixMilli() + 30_000}

	mockStore.On("ActiveRound", ctx).Return(liveRound(), nil).Once()
	mockStore.On("AdvanceRound", ctx, int64(4), mock.Anything).Return(false, nil)
	mockStore.On("ActiveRound", ctx).Return(winner, nil).Once()

	got, err := controller.Force(ctx)

	assert.NoError(t, err)
	assert.Equal(t, winner, got)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestForce_RejectedInDeterministicMode(t *testing.T) {
	controller, mockStore, _, _ := newTestController(config.RoundDeterministic)

	_, err := controller.Force(context.Background())

	assert.ErrorIs(t, err, ErrManualResetUnsupported)
	mockStore.AssertNotCalled(t, "AdvanceRound", mock.Anything, mock.Anything, mock.Anything)
}

func TestActive_DeterministicDerivesFromClock(t *testing.T) {
	controller, mockStore, _, _ := newTestController(config.RoundDeterministic)

	active, err := controller.Active(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, testNow.UnixMilli()/30_000, active.Number)
	assert.True(t, active.IsActive(testNow.UnixMilli()))
	mockStore.AssertNotCalled(t, "ActiveRound", mock.Anything)
}

func TestActive_CachesLiveRound(t *testing.T) {
	controller, mockStore, _, _ := newTestController(config.RoundAssigned)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(liveRound(), nil).Once()

	first, err := controller.Active(ctx)
	assert.NoError(t, err)

	// Second lookup is served from the cached row
	second, err := controller.Active(ctx)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	mockStore.AssertNumberOfCalls(t, "ActiveRound", 1)
}
