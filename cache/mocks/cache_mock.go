package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/pixelround/cache"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte), onDrop func(err error)) error {
	args := m.Called(ctx, channel, handler, onDrop)
	return args.Error(0)
}

func (m *MockCache) AddPixel(ctx context.Context, round int64, cellKey string, score int64, pixelData []byte) error {
	args := m.Called(ctx, round, cellKey, score, pixelData)
	return args.Error(0)
}

func (m *MockCache) AddPixelsBatch(ctx context.Context, round int64, pixels []cache.PixelCacheItem) error {
	args := m.Called(ctx, round, pixels)
	return args.Error(0)
}

func (m *MockCache) RemovePixel(ctx context.Context, round int64, cellKey string) error {
	args := m.Called(ctx, round, cellKey)
	return args.Error(0)
}

func (m *MockCache) GetPixels(ctx context.Context, round int64) ([][]byte, error) {
	args := m.Called(ctx, round)
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *MockCache) SetCanvasComplete(ctx context.Context, round int64) error {
	args := m.Called(ctx, round)
	return args.Error(0)
}

func (m *MockCache) IsCanvasComplete(ctx context.Context, round int64) (bool, error) {
	args := m.Called(ctx, round)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) InvalidateRound(ctx context.Context, round int64) error {
	args := m.Called(ctx, round)
	return args.Error(0)
}

func (m *MockCache) ReserveChatSlot(ctx context.Context, networkAddress string, gapMs int64) (bool, error) {
	args := m.Called(ctx, networkAddress, gapMs)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) AddChat(ctx context.Context, chatData []byte) error {
	args := m.Called(ctx, chatData)
	return args.Error(0)
}

func (m *MockCache) GetRecentChat(ctx context.Context, limit int) ([][]byte, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([][]byte), args.Error(1)
}
