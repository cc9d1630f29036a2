package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/pixelround/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetOrCreateSession(ctx context.Context, networkAddress, walletAddress string, maxInk int) (models.Session, error) {
	args := m.Called(ctx, networkAddress, walletAddress, maxInk)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) RefillSession(ctx context.Context, id string, round int64, ink, eraser int) error {
	args := m.Called(ctx, id, round, ink, eraser)
	return args.Error(0)
}

func (m *MockStore) ConsumeInk(ctx context.Context, id string, round int64, n int) (bool, error) {
	args := m.Called(ctx, id, round, n)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ConsumeEraser(ctx context.Context, id string, round int64, n int) (bool, error) {
	args := m.Called(ctx, id, round, n)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) RefundInk(ctx context.Context, id string, n int) error {
	args := m.Called(ctx, id, n)
	return args.Error(0)
}

func (m *MockStore) RefundEraser(ctx context.Context, id string, n int) error {
	args := m.Called(ctx, id, n)
	return args.Error(0)
}

func (m *MockStore) PlacePixel(ctx context.Context, pixel models.Pixel) (bool, error) {
	args := m.Called(ctx, pixel)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ErasePixel(ctx context.Context, round int64, x, y int) (models.Pixel, bool, error) {
	args := m.Called(ctx, round, x, y)
	return args.Get(0).(models.Pixel), args.Bool(1), args.Error(2)
}

func (m *MockStore) ListPixels(ctx context.Context, round int64) ([]models.Pixel, error) {
	args := m.Called(ctx, round)
	return args.Get(0).([]models.Pixel), args.Error(1)
}

func (m *MockStore) PurgePixels(ctx context.Context, round int64) error {
	args := m.Called(ctx, round)
	return args.Error(0)
}

func (m *MockStore) ActiveRound(ctx context.Context) (models.Round, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Round), args.Error(1)
}

func (m *MockStore) AdvanceRound(ctx context.Context, from int64, next models.Round) (bool, error) {
	args := m.Called(ctx, from, next)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) InsertChat(ctx context.Context, msg models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) ListChat(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}
