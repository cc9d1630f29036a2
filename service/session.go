package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/store"
)

// SessionState is the view of a session handed to clients: the stored
// row resolved against the active round so budgets reflect the lazy
// refill without writing anything.
type SessionState struct {
	Session models.Session `json:"session"`
	Ink     int            `json:"ink"`
	Eraser  int            `json:"eraser"`
}

// InitializeSession resolves (networkAddress, walletAddress) to a
// durable session and mints its bearer token. First contact creates the
// row; repeat contact from the same pairing always lands on the same
// row, so budgets cannot be reset by reconnecting.
func (s *Service) InitializeSession(ctx context.Context, networkAddress, walletAddress string) (SessionState, string, error) {
	if networkAddress == "" {
		return SessionState{}, "", errors.New("network address required")
	}

	session, err := s.Store.GetOrCreateSession(ctx, networkAddress, walletAddress, s.Limits.MaxInk)
	if err != nil {
		return SessionState{}, "", fmt.Errorf("session resolve failed: %w", err)
	}

	token, err := s.CreateJWT(session.Id, session.NetworkAddress, session.WalletAddress)
	if err != nil {
		return SessionState{}, "", fmt.Errorf("token generation failed: %w", err)
	}

	state, err := s.sessionState(ctx, session)
	if err != nil {
		return SessionState{}, "", err
	}
	return state, token, nil
}

func (s *Service) sessionState(ctx context.Context, session models.Session) (SessionState, error) {
	activeRound, err := s.Rounds.Active(ctx)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return SessionState{}, err
	}

	ink, eraser := session.EffectiveBudgets(activeRound.Number, s.Limits.MaxInk, s.Limits.MaxEraser)
	return SessionState{Session: session, Ink: ink, Eraser: eraser}, nil
}

// refillIfStale brings a session's stored budgets up to the active
// round before a consume. Losing the guarded write means another
// request refilled first, which is the desired state either way.
func (s *Service) refillIfStale(ctx context.Context, session models.Session, round int64) error {
	if session.RefillRound >= round {
		return nil
	}

	eraser := 0
	if session.HasWallet() {
		eraser = s.Limits.MaxEraser
	}

	err := s.Store.RefillSession(ctx, session.Id, round, s.Limits.MaxInk, eraser)
	if err != nil && !errors.Is(err, store.ErrConditionFailed) {
		return err
	}
	return nil
}
