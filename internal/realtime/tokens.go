package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long a minted stream token stays valid.
const DefaultTokenTTL = 10 * time.Minute

// StreamTokens mints and validates the short-lived JWTs that scope an SSE
// subscription to a single job. The token subject is the job ID.
type StreamTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewStreamTokens creates a token minter/validator. A non-positive ttl
// falls back to DefaultTokenTTL.
func NewStreamTokens(secret string, ttl time.Duration) *StreamTokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &StreamTokens{secret: []byte(secret), ttl: ttl}
}

// Mint issues a token granting stream access to jobID.
func (st *StreamTokens) Mint(jobID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(st.ttl)
	claims := &jwt.RegisteredClaims{
		Subject:   jobID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(st.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing stream token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token and returns the job ID it grants access to.
func (st *StreamTokens) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return st.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid stream token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid stream token")
	}
	if claims.Subject == "" {
		return "", errors.New("stream token missing subject")
	}
	return claims.Subject, nil
}
