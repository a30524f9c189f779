// Package signing issues and verifies short-lived tokens that grant
// anonymous download access to one build artifact.
package signing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is how long a public URL stays valid.
const DefaultTTL = 2 * time.Minute

// leeway tolerates clock skew between API replicas.
const leeway = 2 * time.Second

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims identify the artifact a token grants access to.
type Claims struct {
	BuildID int64  `json:"build_id"`
	Item    string `json:"item"`
	jwt.RegisteredClaims
}

// Signer signs artifact tokens with HMAC-SHA256.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates a Signer. A non-positive ttl falls back to DefaultTTL.
func New(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of issued tokens.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Sign issues a token for one artifact of one build.
func (s *Signer) Sign(buildID int64, item string) (string, error) {
	now := s.now()
	claims := Claims{
		BuildID: buildID,
		Item:    item,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns its claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.Item == "" || claims.BuildID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
