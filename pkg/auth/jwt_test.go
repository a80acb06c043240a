package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	req := require.New(t)
	signer := NewSigner("s3cret")

	token, err := signer.GenerateToken("alice", "Alice", time.Hour)
	req.NoError(err)

	claims, err := signer.ValidateToken(token)
	req.NoError(err)
	req.Equal("alice", claims.UserID)
	req.Equal("Alice", claims.DisplayName)
}

func TestSigner_RoleRoundTrip(t *testing.T) {
	req := require.New(t)
	signer := NewSigner("s3cret")

	token, err := signer.GenerateTokenWithRole("cms", "Content", RoleService, time.Hour)
	req.NoError(err)
	claims, err := signer.ValidateToken(token)
	req.NoError(err)
	req.True(claims.IsService())

	// a plain user token carries no role
	token, err = signer.GenerateToken("alice", "Alice", time.Hour)
	req.NoError(err)
	claims, err = signer.ValidateToken(token)
	req.NoError(err)
	req.Empty(claims.Role)
	req.False(claims.IsService())
}

func TestSigner_WrongSecret(t *testing.T) {
	token, err := NewSigner("one").GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	_, err = NewSigner("two").ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSigner_Expired(t *testing.T) {
	signer := NewSigner("s3cret")
	token, err := signer.GenerateToken("alice", "", -time.Minute)
	require.NoError(t, err)

	_, err = signer.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSigner_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "mallory"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewSigner("s3cret").ValidateToken(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", BearerToken("Bearer abc"))
	require.Equal(t, "abc", BearerToken("abc"))
}

func TestContext(t *testing.T) {
	req := require.New(t)
	ctx := WithClaims(context.Background(), &Claims{UserID: "bob"})

	claims, ok := FromContext(ctx)
	req.True(ok)
	req.Equal("bob", claims.UserID)

	_, ok = FromContext(context.Background())
	req.False(ok)
}
