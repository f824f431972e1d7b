package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewJWTService("secret", "bravethewaves", 1)
	token, err := svc.Issue("user-1", "pat@example.com", "")
	require.NoError(t, err)

	id, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.Subject)
	require.Equal(t, "pat@example.com", id.Email)
	require.Equal(t, "pat", id.Name)
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	token, err := NewJWTService("other", "bravethewaves", 1).Issue("user-1", "", "Pat")
	require.NoError(t, err)
	_, err = NewJWTService("secret", "bravethewaves", 1).Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)

	token, err = NewJWTService("secret", "someone-else", 1).Issue("user-1", "", "Pat")
	require.NoError(t, err)
	_, err = NewJWTService("secret", "bravethewaves", 1).Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := NewJWTService("secret", "", -1).Issue("user-1", "", "Pat")
	require.NoError(t, err)
	_, err = NewJWTService("secret", "", 1).Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmulatorVerifierAcceptsUnsignedTokens(t *testing.T) {
	claims := jwt.MapClaims{"user_id": "emu-1", "email": "emu@example.com"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	id, err := NewEmulatorVerifier().Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "emu-1", id.Subject)
	require.Equal(t, "emu", id.Name)

	_, err = NewEmulatorVerifier().Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
