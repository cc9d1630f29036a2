package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zlnvch/pixelround/models"
)

func TestCreateAndVerifyJWT(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	token, err := svc.CreateJWT("sess1", "203.0.113.9", "0xabc")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	sessionId, address, wallet, expiry, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, "sess1", sessionId)
	assert.Equal(t, "203.0.113.9", address)
	assert.Equal(t, "0xabc", wallet)
	assert.True(t, expiry.After(time.Now()))
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	other, _, _, _, _ := setupService(t)
	other.JWTSecret = []byte("different")

	token, err := svc.CreateJWT("sess1", "203.0.113.9", "")
	assert.NoError(t, err)

	_, _, _, _, err = other.VerifyJWT(token)
	assert.Error(t, err)
}

func TestVerifyJWT_Garbage(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, _, _, _, err := svc.VerifyJWT("not.a.token")
	assert.Error(t, err)
}

func TestAuthenticateToken_ResolvesSession(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	stored := currentSession()
	mockStore.On("GetSession", ctx, "sess1").Return(stored, nil)

	token, err := svc.CreateJWT("sess1", stored.NetworkAddress, "")
	assert.NoError(t, err)

	session, err := svc.AuthenticateToken(ctx, token)
	assert.NoError(t, err)
	assert.Equal(t, stored, session)
}

func TestAuthenticateToken_Empty(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, err := svc.AuthenticateToken(context.Background(), "")
	assert.Error(t, err)
}

func TestInitializeSession_MintsUsableToken(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	created := models.Session{
		Id:             "sess9",
		NetworkAddress: "198.51.100.4",
		WalletAddress:  "0xdef",
		Ink:            50,
		Eraser:         0,
		RefillRound:    0,
	}
	mockStore.On("GetOrCreateSession", ctx, "198.51.100.4", "0xdef", 50).Return(created, nil)
	mockStore.On("ActiveRound", ctx).Return(activeTestRound(), nil)

	state, token, err := svc.InitializeSession(ctx, "198.51.100.4", "0xdef")
	assert.NoError(t, err)
	assert.Equal(t, "sess9", state.Session.Id)
	// Stale refill round presents full budgets, wallet unlocks the eraser
	assert.Equal(t, 50, state.Ink)
	assert.Equal(t, 10, state.Eraser)

	sessionId, _, wallet, _, err := svc.VerifyJWT(token)
	assert.NoError(t, err)
	assert.Equal(t, "sess9", sessionId)
	assert.Equal(t, "0xdef", wallet)
}

func TestInitializeSession_NoAddress(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, _, err := svc.InitializeSession(context.Background(), "", "")
	assert.Error(t, err)
}
