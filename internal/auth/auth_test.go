package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	tokens := NewTokens("test-secret")

	raw, err := tokens.Issue("usr_client", time.Hour)
	require.NoError(t, err)

	claims, err := tokens.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "usr_client", claims.Subject)
	assert.Equal(t, "gigledger", claims.Issuer)
}

func TestValidate_WrongSecret(t *testing.T) {
	raw, err := NewTokens("secret-a").Issue("usr_1", time.Hour)
	require.NoError(t, err)

	_, err = NewTokens("secret-b").Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_Expired(t *testing.T) {
	tokens := NewTokens("test-secret")
	issuedAt := time.Now().Add(-2 * time.Hour)
	tokens.now = func() time.Time { return issuedAt }
	raw, err := tokens.Issue("usr_1", time.Hour)
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Validate(raw)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidate_RejectsNonHMAC(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1"},
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokens("test-secret").Validate(raw)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestValidate_MissingSubject(t *testing.T) {
	tokens := NewTokens("test-secret")
	raw, err := tokens.Issue("", time.Hour)
	require.NoError(t, err)

	_, err = tokens.Validate(raw)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
