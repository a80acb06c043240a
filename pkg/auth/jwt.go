package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// RoleService marks tokens held by the content services rather than by a person.
const RoleService = "service"

// IsService reports whether the token may raise events on behalf of the platform.
func (c *Claims) IsService() bool { return c.Role == RoleService }

type contextKey string

const UserKey contextKey = "user"

// Signer issues and validates HS256 tokens with a shared secret.
// Issuing is only used by development tooling; production tokens come from the portal's auth service.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// GenerateToken creates a token for the given identity valid for ttl.
func (s *Signer) GenerateToken(userID, displayName string, ttl time.Duration) (string, error) {
	return s.GenerateTokenWithRole(userID, displayName, "", ttl)
}

func (s *Signer) GenerateTokenWithRole(userID, displayName, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// ValidateToken parses and validates a token, rejecting anything not signed with HS256.
func (s *Signer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken strips the "Bearer " prefix if present.
func BearerToken(header string) string {
	return strings.TrimPrefix(header, "Bearer ")
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserKey, claims)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserKey).(*Claims)
	return claims, ok
}
