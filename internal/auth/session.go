package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/malcare/internal/cache"
)

const revokedPrefix = "malcare_revoked_session:"

// Claims is the session token payload minted by the sign-in flow.
type Claims struct {
	jwt.RegisteredClaims
	Provider  string `json:"provider"`
	Principal string `json:"principal,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Picture   string `json:"picture,omitempty"`
}

// Revoker remembers signed-out session ids until they expire.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// CacheRevoker stores revoked session ids in the key-value cache.
type CacheRevoker struct {
	cache cache.Cache
	now   func() time.Time
}

// NewCacheRevoker returns a revoker on c.
func NewCacheRevoker(c cache.Cache) *CacheRevoker {
	return &CacheRevoker{cache: c, now: time.Now}
}

// Revoke implements Revoker. A zero until keeps the id revoked forever.
func (r *CacheRevoker) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if until.IsZero() {
		return r.cache.Set(ctx, revokedPrefix+tokenID, "1", 0)
	}
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.cache.Set(ctx, revokedPrefix+tokenID, "1", ttl)
}

// IsRevoked implements Revoker.
func (r *CacheRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := r.cache.Get(ctx, revokedPrefix+tokenID)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Session is an authenticated request's identity plus the token backing it.
type Session struct {
	Identity  Identity
	TokenID   string
	ExpiresAt time.Time

	revoker Revoker
}

// SignOut revokes the session token.
func (s *Session) SignOut(ctx context.Context) error {
	if s.revoker == nil || s.TokenID == "" {
		return errors.New("session cannot be revoked")
	}
	return s.revoker.Revoke(ctx, s.TokenID, s.ExpiresAt)
}

// SignToken mints an HS256 session token for claims.
func SignToken(secret string, claims Claims) (string, error) {
	if secret == "" {
		return "", errors.New("missing JWT secret")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
