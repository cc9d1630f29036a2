package service_test

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
	"github.com/zlnvch/pixelround/round"
	"github.com/zlnvch/pixelround/service"
	storemocks "github.com/zlnvch/pixelround/store/mocks"
	"github.com/zlnvch/pixelround/worker"
)

var testNow = time.UnixMilli(1_000_000)

func testLimits() service.Limits {
	return service.Limits{
		GridWidth:     100,
		GridHeight:    100,
		MaxInk:        50,
		MaxEraser:     10,
		ChatMaxLength: 100,
		ChatMinGap:    10 * time.Second,
	}
}

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *worker.PixelBatcher) {
	t.Helper()

	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	synchronizer := clock.NewLocal(clockwork.NewFakeClockAt(testNow))

	// Real batcher is used; tests verify items are pushed to its channels
	pixelBatcher := worker.NewPixelBatcher(mockStore, mockCache, 50*time.Millisecond, 25)

	controller := round.NewController(
		mockStore, mockCache, mockMQ, synchronizer, clockwork.NewFakeClockAt(testNow),
		config.RoundAssigned, 30*time.Second, time.Second,
	)

	svc := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		pixelBatcher,
		controller,
		synchronizer,
		testLimits(),
		[]byte("secret"),
	)

	return svc, mockStore, mockCache, mockMQ, pixelBatcher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

func activeTestRound() models.Round {
	return models.Round{
		Number:  7,
		StartMs: testNow.UnixMilli() - 5_000,
		EndMs:   testNow.UnixMilli() + 25_000,
	}
}

func currentSession() models.Session {
	return models.Session{
		Id:             "sess1",
		NetworkAddress: "203.0.113.9",
		Ink:            50,
		RefillRound:    7,
	}
}

func TestPlacePixel_Success(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeInk", ctx, "sess1", int64(7), 1).Return(true, nil)
	mockStore.On("PlacePixel", ctx, mock.Anything).Return(true, nil)

	addPixelDone := wrapMockWithSignal(mockCache.On("AddPixel", mock.Anything, int64(7), "3:4", mock.Anything, mock.Anything).Return(nil))
	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, "canvas:pixels", mock.Anything).Return(nil))

	pixel, err := svc.PlacePixel(ctx, service.PlaceParams{
		Session: currentSession(),
		X:       3,
		Y:       4,
		Color:   "#FF00AA",
	})

	assert.NoError(t, err)
	assert.NotEmpty(t, pixel.Id)
	assert.Equal(t, int64(7), pixel.Round)
	assert.Equal(t, "sess1", pixel.Owner)
	assert.Equal(t, testNow.UnixMilli(), pixel.CreatedMs)

	select {
	case <-addPixelDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for AddPixel")
	}

	select {
	case <-publishDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for Publish")
	}
}

func TestPlacePixel_CellOccupied_RefundsInk(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeInk", ctx, "sess1", int64(7), 1).Return(true, nil)
	mockStore.On("PlacePixel", ctx, mock.Anything).Return(false, nil)
	refundDone := wrapMockWithSignal(mockStore.On("RefundInk", mock.Anything, "sess1", 1).Return(nil))

	_, err := svc.PlacePixel(ctx, service.PlaceParams{
		Session: currentSession(),
		X:       3,
		Y:       4,
		Color:   "#FF00AA",
	})

	assert.ErrorIs(t, err, service.ErrCellOccupied)

	select {
	case <-refundDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for RefundInk")
	}
}

func TestPlacePixel_OutOfInk(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeInk", ctx, "sess1", int64(7), 1).Return(false, nil)

	_, err := svc.PlacePixel(ctx, service.PlaceParams{
		Session: currentSession(),
		X:       3,
		Y:       4,
		Color:   "#FF00AA",
	})

	assert.ErrorIs(t, err, service.ErrOutOfInk)
	mockStore.AssertNotCalled(t, "PlacePixel", mock.Anything, mock.Anything)
}

func TestPlacePixel_StaleSession_RefillsFirst(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	stale := currentSession()
	stale.RefillRound = 5
	stale.Ink = 0

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("RefillSession", ctx, "sess1", int64(7), 50, 0).Return(nil)
	mockStore.On("ConsumeInk", ctx, "sess1", int64(7), 1).Return(true, nil)
	mockStore.On("PlacePixel", ctx, mock.Anything).Return(true, nil)
	mockCache.On("AddPixel", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockCache.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := svc.PlacePixel(ctx, service.PlaceParams{
		Session: stale,
		X:       1,
		Y:       1,
		Color:   "#000000",
	})

	assert.NoError(t, err)
	mockStore.AssertCalled(t, "RefillSession", ctx, "sess1", int64(7), 50, 0)
}

func TestPlacePixel_RoundExpired(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	expired := models.Round{
		Number:  6,
		StartMs: testNow.UnixMilli() - 60_000,
		EndMs:   testNow.UnixMilli() - 30_000,
	}
	mockStore.On("ActiveRound", ctx).Return(expired, nil)

	_, err := svc.PlacePixel(ctx, service.PlaceParams{
		Session: currentSession(),
		X:       3,
		Y:       4,
		Color:   "#FF00AA",
	})

	assert.ErrorIs(t, err, service.ErrNoActiveRound)
	mockStore.AssertNotCalled(t, "ConsumeInk", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPlacePixel_OutOfBounds(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)

	_, err := svc.PlacePixel(context.Background(), service.PlaceParams{
		Session: currentSession(),
		X:       100,
		Y:       0,
		Color:   "#FF00AA",
	})

	assert.ErrorIs(t, err, service.ErrOutOfBounds)
	mockStore.AssertNotCalled(t, "ActiveRound", mock.Anything)
}

func TestPlacePixelDeferred_QueuesToBatcher(t *testing.T) {
	svc, mockStore, _, _, pixelBatcher := setupService(t)
	ctx := context.Background()

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeInk", ctx, "sess1", int64(7), 1).Return(true, nil)

	pixel, err := svc.PlacePixelDeferred(ctx, service.PlaceParams{
		Session: currentSession(),
		X:       9,
		Y:       9,
		Color:   "#123456",
	})

	assert.NoError(t, err)

	select {
	case item := <-pixelBatcher.WriteCh:
		assert.Equal(t, pixel.Id, item.Pixel.Id)
		assert.Equal(t, "sess1", item.SessionId)
	case <-time.After(100 * time.Millisecond):
		assert.Fail(t, "timed out waiting for pixel batcher")
	}
}

func TestErasePixel_WithoutWallet(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)

	_, err := svc.ErasePixel(context.Background(), service.EraseParams{
		Session: currentSession(),
		X:       3,
		Y:       4,
	})

	assert.ErrorIs(t, err, service.ErrWalletRequired)
	mockStore.AssertNotCalled(t, "ConsumeEraser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestErasePixel_Success(t *testing.T) {
	svc, mockStore, mockCache, _, pixelBatcher := setupService(t)
	ctx := context.Background()

	holder := currentSession()
	holder.WalletAddress = "0xabc"
	holder.Eraser = 10

	removed := models.Pixel{Id: "p1", X: 3, Y: 4, Color: "#FFFFFF", Round: 7}

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeEraser", ctx, "sess1", int64(7), 1).Return(true, nil)
	mockStore.On("ErasePixel", ctx, int64(7), 3, 4).Return(removed, true, nil)

	removeDone := wrapMockWithSignal(mockCache.On("RemovePixel", mock.Anything, int64(7), "3:4").Return(nil))
	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, "canvas:pixels", mock.Anything).Return(nil))

	got, err := svc.ErasePixel(ctx, service.EraseParams{Session: holder, X: 3, Y: 4})

	assert.NoError(t, err)
	assert.Equal(t, removed, got)

	// The pending-write cancellation must be issued even when the store
	// already holds the pixel
	select {
	case cancelReq := <-pixelBatcher.CancelCh:
		assert.Equal(t, "3:4", cancelReq.CellKey)
		assert.Equal(t, int64(7), cancelReq.Round)
	case <-time.After(100 * time.Millisecond):
		assert.Fail(t, "timed out waiting for cancel request")
	}

	select {
	case <-removeDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for RemovePixel")
	}

	select {
	case <-publishDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for Publish")
	}
}

func TestErasePixel_VacantCell_RefundsEraser(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	holder := currentSession()
	holder.WalletAddress = "0xabc"
	holder.Eraser = 10

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeEraser", ctx, "sess1", int64(7), 1).Return(true, nil)
	mockStore.On("ErasePixel", ctx, int64(7), 9, 9).Return(models.Pixel{}, false, nil)
	refundDone := wrapMockWithSignal(mockStore.On("RefundEraser", mock.Anything, "sess1", 1).Return(nil))

	_, err := svc.ErasePixel(ctx, service.EraseParams{Session: holder, X: 9, Y: 9})

	assert.ErrorIs(t, err, service.ErrCellVacant)

	select {
	case <-refundDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for RefundEraser")
	}
}

func TestErasePixel_OutOfEraser(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	holder := currentSession()
	holder.WalletAddress = "0xabc"
	holder.Eraser = 0

	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)
	mockStore.On("ConsumeEraser", ctx, "sess1", int64(7), 1).Return(false, nil)

	_, err := svc.ErasePixel(ctx, service.EraseParams{Session: holder, X: 3, Y: 4})

	assert.ErrorIs(t, err, service.ErrOutOfEraser)
	mockStore.AssertNotCalled(t, "ErasePixel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
