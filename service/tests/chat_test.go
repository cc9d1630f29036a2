package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/service"
)

func TestSendChatMessage_Success(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("ReserveChatSlot", ctx, "203.0.113.9", int64(10_000)).Return(true, nil)
	mockStore.On("InsertChat", ctx, mock.Anything).Return(nil)

	addChatDone := wrapMockWithSignal(mockCache.On("AddChat", mock.Anything, mock.Anything).Return(nil))
	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, "canvas:chat", mock.Anything).Return(nil))

	msg, err := svc.SendChatMessage(ctx, service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  "  hello canvas  ",
	})

	assert.NoError(t, err)
	assert.NotEmpty(t, msg.Id)
	assert.Equal(t, "hello canvas", msg.Content)
	assert.Equal(t, testNow.UnixMilli(), msg.CreatedMs)

	select {
	case <-addChatDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for AddChat")
	}

	select {
	case <-publishDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for Publish")
	}
}

func TestSendChatMessage_RateLimited(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("ReserveChatSlot", ctx, "203.0.113.9", int64(10_000)).Return(false, nil)

	_, err := svc.SendChatMessage(ctx, service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  "too fast",
	})

	assert.ErrorIs(t, err, service.ErrChatRateLimited)
	mockStore.AssertNotCalled(t, "InsertChat", mock.Anything, mock.Anything)
}

func TestSendChatMessage_TooLong(t *testing.T) {
	svc, _, mockCache, _, _ := setupService(t)

	_, err := svc.SendChatMessage(context.Background(), service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  strings.Repeat("a", 101),
	})

	assert.ErrorIs(t, err, service.ErrChatTooLong)
	mockCache.AssertNotCalled(t, "ReserveChatSlot", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendChatMessage_Empty(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, err := svc.SendChatMessage(context.Background(), service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  "   ",
	})

	assert.ErrorIs(t, err, service.ErrChatEmpty)
}

func TestSendChatMessage_CacheDown_LocalLimiterHolds(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("ReserveChatSlot", ctx, "203.0.113.9", int64(10_000)).Return(false, errors.New("connection refused"))
	mockStore.On("InsertChat", ctx, mock.Anything).Return(nil)
	mockCache.On("AddChat", mock.Anything, mock.Anything).Return(nil)
	mockCache.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	// First message rides the local limiter's initial token
	_, err := svc.SendChatMessage(ctx, service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  "first",
	})
	assert.NoError(t, err)

	// Second message inside the gap is rejected locally
	_, err = svc.SendChatMessage(ctx, service.ChatParams{
		Session:  currentSession(),
		Username: "painter",
		Content:  "second",
	})
	assert.ErrorIs(t, err, service.ErrChatRateLimited)
}

func TestGetRecentChat_CacheFirst(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetRecentChat", ctx, 10).Return([][]byte{
		[]byte(`{"id":"m1","username":"a","content":"hi","createdMs":1}`),
	}, nil)

	messages, err := svc.GetRecentChat(ctx, 10)

	assert.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].Id)
	mockStore.AssertNotCalled(t, "ListChat", mock.Anything, mock.Anything)
}

func TestGetRecentChat_FallsBackToStore(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockCache.On("GetRecentChat", ctx, 10).Return([][]byte{}, errors.New("connection refused"))
	mockStore.On("ListChat", ctx, 10).Return([]models.ChatMessage{{Id: "m2"}}, nil)

	messages, err := svc.GetRecentChat(ctx, 10)

	assert.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, "m2", messages[0].Id)
}
