package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	cachemocks "github.com/zlnvch/pixelround/cache/mocks"
	"github.com/zlnvch/pixelround/mq"
	mqmocks "github.com/zlnvch/pixelround/mq/mocks"
	storemocks "github.com/zlnvch/pixelround/store/mocks"
)

func runConsumerUntil(t *testing.T, consumer PurgeConsumer, done chan struct{}, mockMQ *mqmocks.MockMQ) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	// Park the loop once the interesting message has been handled
	mockMQ.On("Receive", mock.Anything, int32(visibilityTimeout)).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	finished := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for purge side effect")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(1 * time.Second):
		t.Fatal("consumer did not stop on shutdown")
	}
}

func TestPurgeConsumer_PurgesAndDeletesMessage(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	msg := &mq.Message{Body: `{"round":4}`, Id: "m1"}
	done := make(chan struct{})

	mockMQ.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(msg, nil).Once()
	mockStore.On("PurgePixels", mock.Anything, int64(4)).Return(nil)
	mockCache.On("InvalidateRound", mock.Anything, int64(4)).Return(nil)
	mockMQ.On("Delete", mock.Anything, msg).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil).Once()

	consumer := NewPurgeConsumer(mockMQ, mockStore, mockCache)
	runConsumerUntil(t, *consumer, done, mockMQ)

	mockStore.AssertExpectations(t)
	mockCache.AssertExpectations(t)
	mockMQ.AssertExpectations(t)
}

func TestPurgeConsumer_FailedPurgeLeavesMessageForRedelivery(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	msg := &mq.Message{Body: `{"round":4}`, Id: "m1"}
	done := make(chan struct{})

	mockMQ.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(msg, nil).Once()
	mockStore.On("PurgePixels", mock.Anything, int64(4)).
		Run(func(mock.Arguments) { close(done) }).
		Return(errors.New("store down"))

	consumer := NewPurgeConsumer(mockMQ, mockStore, mockCache)
	runConsumerUntil(t, *consumer, done, mockMQ)

	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "InvalidateRound", mock.Anything, mock.Anything)
}

func TestPurgeConsumer_DeletesMalformedMessages(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	msg := &mq.Message{Body: `not json`, Id: "m1"}
	done := make(chan struct{})

	mockMQ.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(msg, nil).Once()
	// A poison message is removed from the queue, not redelivered forever
	mockMQ.On("Delete", mock.Anything, msg).
		Run(func(mock.Arguments) { close(done) }).
		Return(nil).Once()

	consumer := NewPurgeConsumer(mockMQ, mockStore, mockCache)
	runConsumerUntil(t, *consumer, done, mockMQ)

	mockStore.AssertNotCalled(t, "PurgePixels", mock.Anything, mock.Anything)
	mockMQ.AssertExpectations(t)
}
