package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zlnvch/pixelround/models"
)

// CreateJWT mints the session token handed out by InitializeSession.
// The wallet claim is carried so the eraser capability check never
// needs a second lookup path; the session row stays authoritative.
func (s *Service) CreateJWT(sessionId, networkAddress, walletAddress string) (string, error) {
	claims := jwt.MapClaims{
		"sessionId": sessionId,
		"address":   networkAddress,
		"wallet":    walletAddress,
		"exp":       time.Now().Add(24 * time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", "", time.Time{}, err
	}

	if !token.Valid {
		return "", "", "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", "", time.Time{}, errors.New("invalid token claims")
	}

	sessionId, ok := claims["sessionId"].(string)
	if !ok {
		return "", "", "", time.Time{}, errors.New("missing sessionId claim")
	}

	address, ok := claims["address"].(string)
	if !ok {
		return "", "", "", time.Time{}, errors.New("missing address claim")
	}

	// wallet is optional, absent for anonymous sessions
	wallet, _ := claims["wallet"].(string)

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return "", "", "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return sessionId, address, wallet, expiry, nil
}

// AuthenticateToken resolves a bearer token to its stored session.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (models.Session, error) {
	if len(token) == 0 {
		return models.Session{}, errors.New("token not provided")
	}

	sessionId, _, _, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.Session{}, err
	}

	session, err := s.Store.GetSession(ctx, sessionId)
	if err != nil {
		return models.Session{}, err
	}

	return session, nil
}
