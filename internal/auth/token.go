package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every access-token failure mode uniformly: bad
// signature, expired, malformed, or missing claims. Callers never learn
// which check failed.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenIssuer builds and validates stateless HS256 access tokens. Refresh
// tokens are opaque random values handled by the Service and Store.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
}

func NewTokenIssuer(secret string, accessTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL}
}

func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.accessTTL
}

func (t *TokenIssuer) IssueAccessToken(user User, scopes []string) (string, int64, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":     user.Username,
		"user_id": user.ID,
		"scopes":  scopes,
		"iat":     now.Unix(),
		"exp":     now.Add(t.accessTTL).Unix(),
		"typ":     "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(t.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(t.accessTTL.Seconds()), nil
}

// VerifyAccessToken checks signature, expiry, token type, and required
// claims. Any failure yields ErrInvalidToken.
func (t *TokenIssuer) VerifyAccessToken(raw string) (Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	if typ, _ := claims["typ"].(string); typ != "access" {
		return Principal{}, ErrInvalidToken
	}
	username, _ := claims["sub"].(string)
	userID, _ := claims["user_id"].(string)
	if username == "" || userID == "" {
		return Principal{}, ErrInvalidToken
	}

	var scopes []string
	if raw, ok := claims["scopes"].([]any); ok {
		for _, s := range raw {
			if scope, ok := s.(string); ok {
				scopes = append(scopes, scope)
			}
		}
	}

	return Principal{UserID: userID, Username: username, Scopes: scopes}, nil
}

// newRefreshTokenValue returns a 256-bit opaque token as hex.
func newRefreshTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
