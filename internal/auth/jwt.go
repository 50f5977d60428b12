// Package auth validates the credential presented at handshake time and
// yields the identity the core trusts for the lifetime of the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// Validator checks HS256 tokens. Issuer and audience checks apply only when
// configured non-empty.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
	checker  *jwt.Validator
}

func NewValidator(secret, issuer, audience string, leeway time.Duration) *Validator {
	if leeway < 0 {
		leeway = 0
	}

	return &Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})),
		checker:  jwt.NewValidator(jwt.WithLeeway(leeway)),
	}
}

// Validate parses rawToken and returns its claims, or an error when the
// connection must be rejected.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(rawToken) == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return nil, ErrInvalidToken
	}

	if err := v.checker.Validate(claims); err != nil {
		return nil, fmt.Errorf("claims validation failed: %w", err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("claims missing subject")
	}

	return claims, nil
}

func containsAudience(list jwt.ClaimStrings, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// ExtractBearerToken pulls the token out of an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	return token, nil
}
