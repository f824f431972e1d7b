// Package auth verifies bearer credentials issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified caller: a stable subject plus profile hints.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// Verifier resolves a bearer token to an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims are the identity token claims. Subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	// UID and UserID are alternative subject claims some providers emit.
	UID    string `json:"uid,omitempty"`
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() (*Identity, error) {
	sub := firstNonEmpty(c.UID, c.UserID, c.Subject, c.Email)
	if sub == "" {
		return nil, ErrInvalidToken
	}
	name := c.Name
	if name == "" && c.Email != "" {
		name, _, _ = strings.Cut(c.Email, "@")
	}
	return &Identity{Subject: sub, Email: c.Email, Name: name}, nil
}

// JWTService issues and verifies HS256 identity tokens.
type JWTService struct {
	secret      []byte
	issuer      string
	expireHours int
}

var _ Verifier = (*JWTService)(nil)

// NewJWTService creates a JWT service.
func NewJWTService(secret, issuer string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		issuer:      issuer,
		expireHours: expireHours,
	}
}

// Issue creates a signed token for subject. Used by paddlectl for local testing.
func (s *JWTService) Issue(subject, email, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, returning the caller identity.
func (s *JWTService) Verify(_ context.Context, tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims.identity()
}

// EmulatorVerifier accepts unsigned tokens, as the identity provider's local
// emulator issues them. Never enable outside local development.
type EmulatorVerifier struct {
	parser *jwt.Parser
}

var _ Verifier = (*EmulatorVerifier)(nil)

// NewEmulatorVerifier creates a verifier that decodes without checking signatures.
func NewEmulatorVerifier() *EmulatorVerifier {
	return &EmulatorVerifier{parser: jwt.NewParser()}
}

// Verify decodes the token claims without verifying them.
func (v *EmulatorVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	var claims Claims
	if _, _, err := v.parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims.identity()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
