// Package auth authenticates requests with session tokens issued by either
// sign-in provider and exposes the resulting identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const sessionKey contextKey = "authSession"

// GetSession retrieves the authenticated session from context.
func GetSession(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	if s, ok := ctx.Value(sessionKey).(*Session); ok && s != nil && s.Identity.IsAuthenticated() {
		return s, true
	}
	return nil, false
}

// GetIdentity retrieves the authenticated identity from context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	s, ok := GetSession(ctx)
	if !ok {
		return nil, false
	}
	return s.Identity, true
}

// JWTMiddleware validates bearer session tokens and injects the session.
func JWTMiddleware(secret, audience string, revoker Revoker) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, parserOpts...)
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		identity, err := IdentityFromClaims(claims)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		session := &Session{Identity: identity, TokenID: claims.ID, revoker: revoker}
		if claims.ExpiresAt != nil {
			session.ExpiresAt = claims.ExpiresAt.Time
		}

		if revoker != nil {
			if session.TokenID == "" {
				unauthorized(c, "token id required")
				return
			}
			revoked, err := revoker.IsRevoked(c.Request.Context(), session.TokenID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
				return
			}
			if revoked {
				unauthorized(c, "session signed out")
				return
			}
		}

		ctx := context.WithValue(c.Request.Context(), sessionKey, session)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(sessionKey), session)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
