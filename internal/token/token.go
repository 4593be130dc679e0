// Package token issues and verifies signed reconnect tokens. A paired
// device presents its token to resume work without going through the full
// pairing ceremony again; the token proves a prior pairing, nothing more.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/common"
)

// Claims carried by a reconnect token.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
}

// Issuer signs and verifies reconnect tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer builds an issuer. The secret must be at least 32 bytes; the TTL
// defaults to 24h when zero.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: token secret must be at least 32 bytes", common.ErrValidation)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed token for a device.
func (i *Issuer) Issue(deviceID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		DeviceID: deviceID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Expired or otherwise
// invalid tokens map onto the package sentinel errors.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", common.ErrExpired)
		}
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !tok.Valid || claims.DeviceID == "" {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}
