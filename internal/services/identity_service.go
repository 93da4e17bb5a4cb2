package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"receipt-api/internal/config"
)

// ErrInvalidToken is returned when a bearer token does not establish a user
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the verified caller of an authenticated request
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// TokenVerifier exchanges a bearer token for a verified identity
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// NewTokenVerifier prefers local JWT verification and falls back to asking
// the BaaS auth endpoint when no signing secret is configured.
func NewTokenVerifier(cfg *config.Config) TokenVerifier {
	if cfg.AuthJWTSecret != "" {
		return NewJWTVerifier(cfg.AuthJWTSecret, cfg.AuthJWTAudience)
	}
	return NewBaaSUserVerifier(cfg.BaaSURL, cfg.BaaSAnonKey, nil)
}

// AccessTokenClaims are the claims carried by BaaS access tokens
type AccessTokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 access tokens signed with the project secret
type JWTVerifier struct {
	secret   []byte
	audience string
}

func NewJWTVerifier(secret, audience string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), audience: audience}
}

func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// BaaSUserVerifier resolves tokens with GET {baseURL}/auth/v1/user
type BaaSUserVerifier struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

func NewBaaSUserVerifier(baseURL, anonKey string, client *http.Client) *BaaSUserVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BaaSUserVerifier{baseURL: strings.TrimRight(baseURL, "/"), anonKey: anonKey, httpClient: client}
}

type baasUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (v *BaaSUserVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.anonKey != "" {
		req.Header.Set("apikey", v.anonKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to reach auth endpoint: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	var user baasUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("failed to decode user: %w", err)
	}
	if user.ID == "" {
		return Identity{}, fmt.Errorf("%w: user without id", ErrInvalidToken)
	}
	return Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}
