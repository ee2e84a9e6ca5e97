// Package auth validates the bearer tokens presented by sync sessions.
//
// Tokens are HS256 JWTs carrying the user id and device id. The sync server
// trusts the token alone; user management itself is an external collaborator.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

// Claims are the token claims the sync engine cares about.
type Claims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Service issues and validates sync session tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates a token service. The secret must be shared with the
// authentication collaborator that issues tokens to clients.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl}
}

// IssueToken creates a signed token for a user's device session.
func (s *Service) IssueToken(userID, deviceID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a bearer token.
//
// An expired token maps to sync.ErrAuthExpired so the connection layer can
// trigger a refresh; any other defect is a validation error.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", syncpkg.ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("%w: invalid token: %v", syncpkg.ErrValidation, err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token missing user id", syncpkg.ErrValidation)
	}
	return claims, nil
}
