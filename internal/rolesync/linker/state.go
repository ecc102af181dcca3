package linker

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultStateTTL = 10 * time.Minute
	stateIssuer     = "pulse-rolesync"
)

// ErrInvalidState is returned for a forged, expired or malformed state token.
var ErrInvalidState = errors.New("invalid link state")

// StateSigner issues the OAuth state parameter, binding a consent redirect to
// the internal user who started it.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer. secret must be at least 32 bytes.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("state secret must be at least 32 characters")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed state token for internalUserID.
func (s *StateSigner) Issue(internalUserID string) (string, error) {
	if internalUserID == "" {
		return "", fmt.Errorf("issue state: user ID is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Subject:   internalUserID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks state and returns the internal user it was issued for.
func (s *StateSigner) Verify(state string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidState)
	}
	return claims.Subject, nil
}
