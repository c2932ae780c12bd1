// Package auth provides bearer-token authentication for the rule
// management API. Calculation paths are unauthenticated; mutations
// require a principal in context.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/open-rewards/talon/internal/domain"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Name    string
}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// RequirePrincipal returns an AuthenticationError when the context
// carries no principal. The rule store calls this before any mutation.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, &domain.AuthenticationError{Reason: "no authenticated caller"}
	}
	return p, nil
}

// Claims is the JWT claim set for management-API tokens.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTService validates and issues HS256 bearer tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
}

// NewJWTService creates a token service.
func NewJWTService(cfg domain.AuthConfig) *JWTService {
	return &JWTService{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
	}
}

// GenerateToken issues a signed token for a subject. Used by tests and
// by operators bootstrapping API access.
func (s *JWTService) GenerateToken(subject, name string, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken parses and verifies a bearer token, returning the
// caller's principal.
func (s *JWTService) ValidateToken(tokenString string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		return nil, &domain.AuthenticationError{Reason: "invalid token"}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, &domain.AuthenticationError{Reason: "invalid token claims"}
	}

	return &Principal{Subject: claims.Subject, Name: claims.Name}, nil
}

// FromAuthHeader validates an Authorization header value of the form
// "Bearer <token>".
func (s *JWTService) FromAuthHeader(header string) (*Principal, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, &domain.AuthenticationError{Reason: "missing bearer token"}
	}
	return s.ValidateToken(strings.TrimPrefix(header, prefix))
}
