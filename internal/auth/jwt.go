// Package auth issues and verifies the JWTs that identify accounts to the
// relay, and exposes the current token as a permission.AuthProvider.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPayload represents JWT token claims
type TokenPayload struct {
	Account string `json:"account"`
	Email   string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Errors for JWT validation
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// VerifyToken verifies and decodes a JWT token.
//
// Only HMAC-signed tokens are accepted. An expired but otherwise valid token
// returns ErrExpiredToken; anything else wrong returns ErrInvalidToken.
func VerifyToken(tokenString, secret string) (*TokenPayload, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenPayload); ok && token.Valid && claims.Account != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// GenerateAccessToken generates a JWT access token.
func GenerateAccessToken(account, email, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenPayload{
		Account: account,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateRefreshToken generates a JWT refresh token.
func GenerateRefreshToken(account, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateTokens generates both access and refresh tokens for an account.
func GenerateTokens(account, email, secret string) (accessToken, refreshToken string, err error) {
	accessToken, err = GenerateAccessToken(account, email, secret, 24*time.Hour)
	if err != nil {
		return "", "", err
	}

	refreshToken, err = GenerateRefreshToken(account, secret, 7*24*time.Hour)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// DecodeTokenWithoutVerification decodes token without verification.
func DecodeTokenWithoutVerification(tokenString string) (*TokenPayload, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &TokenPayload{})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenPayload); ok {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
