package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

type contextKey string

const userIdKey contextKey = "user-id"

const (
	userIdHeader   = "X-User-Id"
	tokenCookieKey = "token"
	subjectClaim   = "sub"
)

var errNoIdentity = errors.New("no identity on request")

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

// NewToken signs a token whose subject is userId.
func NewToken(userId string, key []byte, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   userId,
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(exp).Unix(),
	})

	return token.SignedString(key)
}

func verifyToken(tokenString string, key []byte) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil {
		return c.Value
	}

	return ""
}

// extractUserId resolves the caller. With a signing key the identity is the
// subject of a bearer token (or token cookie); without one the X-User-Id
// header set by an upstream gateway is trusted.
func (s *Server) extractUserId(r *http.Request) (string, error) {
	if len(s.signingKey) == 0 {
		userId := strings.TrimSpace(r.Header.Get(userIdHeader))
		if userId == "" {
			return "", errNoIdentity
		}
		return userId, nil
	}

	tokenString := bearerToken(r)
	if tokenString == "" {
		return "", errNoIdentity
	}

	token, err := verifyToken(tokenString, s.signingKey)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[subjectClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid subject claim")
	}

	return userId, nil
}
