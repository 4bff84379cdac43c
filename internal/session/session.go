// Package session issues and validates the bearer tokens the RPC surface
// uses to authorize repository writes. It never touches the repository
// engine directly: a handler resolves a token to a DID here, then passes
// that DID into internal/repo like any other caller.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Key version constants identifying which secret signed a token, carried
// in the kid header so a rotation in progress can be told apart from a
// stale signature.
const (
	KeyVersionCurrent  = "current"
	KeyVersionPrevious = "previous"
)

// Token expiration durations.
const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// DefaultLeeway absorbs clock skew between the token issuer and validator.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned for a token that fails to parse or
	// whose signature does not verify against any known secret.
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrExpiredToken is returned for a structurally valid token past its
	// exp claim (beyond leeway).
	ErrExpiredToken = errors.New("session: token has expired")
	// ErrEmptyAccountID is returned when minting a token for an empty
	// account id.
	ErrEmptyAccountID = errors.New("session: account id cannot be empty")
)

// Claims is the JWT payload for both access and refresh tokens. DID is set
// only on access tokens: it is the repository a request may mutate, and
// is what internal/api resolves before calling into internal/repo.
type Claims struct {
	jwt.RegisteredClaims
	DID  string `json:"did,omitempty"`
	Type string `json:"typ"`
}

// Service mints and validates session tokens. It supports dual-key
// rotation: tokens are always signed with currentSecret, but validate
// against either currentSecret or previousSecret, so a secret can be
// rotated without invalidating tokens issued moments before the change.
type Service struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewService creates a Service. previousSecret may be empty when no
// rotation is in progress.
func NewService(currentSecret, previousSecret string) *Service {
	return NewServiceWithLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewServiceWithLeeway is NewService with an explicit clock-skew leeway.
func NewServiceWithLeeway(currentSecret, previousSecret string, leeway time.Duration) *Service {
	svc := &Service{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateAccessToken mints a 15-minute token binding accountID to did:
// the RPC surface treats did as the repository this token authorizes
// writes to.
func (s *Service) GenerateAccessToken(accountID, did string) (string, error) {
	if accountID == "" {
		return "", ErrEmptyAccountID
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		DID:  did,
		Type: TokenTypeAccess,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyVersionCurrent
	return token.SignedString(s.currentSecret)
}

// GenerateRefreshToken mints a 7-day token carrying no did claim; it is
// exchanged for a fresh access token, not sent to repository endpoints.
func (s *Service) GenerateRefreshToken(accountID string) (string, error) {
	if accountID == "" {
		return "", ErrEmptyAccountID
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenExpiry)),
		},
		Type: TokenTypeRefresh,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyVersionCurrent
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a token, trying currentSecret first
// and falling back to previousSecret (if set) so a token signed moments
// before a rotation still validates.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parseWithSecret(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	firstErr := err

	if s.previousSecret != nil {
		if claims, err := s.parseWithSecret(tokenString, s.previousSecret); err == nil {
			return claims, nil
		} else if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
	}

	if errors.Is(firstErr, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *Service) parseWithSecret(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
