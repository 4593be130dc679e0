package token

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss, err := NewIssuer(cryptox.RandBytes(32), "securecore", time.Hour)
	require.NoError(t, err)

	tok, err := iss.Issue("dev-phone")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "dev-phone", claims.DeviceID)
	assert.Equal(t, "dev-phone", claims.Subject)
	assert.Equal(t, "securecore", claims.Issuer)
}

func TestVerify_WrongSecret(t *testing.T) {
	a, err := NewIssuer(cryptox.RandBytes(32), "securecore", time.Hour)
	require.NoError(t, err)
	b, err := NewIssuer(cryptox.RandBytes(32), "securecore", time.Hour)
	require.NoError(t, err)

	tok, err := a.Issue("dev-phone")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	iss, err := NewIssuer(cryptox.RandBytes(32), "securecore", time.Millisecond)
	require.NoError(t, err)

	tok, err := iss.Issue("dev-phone")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, common.ErrExpired)
}

func TestVerify_WrongIssuer(t *testing.T) {
	secret := cryptox.RandBytes(32)
	a, err := NewIssuer(secret, "securecore", time.Hour)
	require.NoError(t, err)
	b, err := NewIssuer(secret, "someone-else", time.Hour)
	require.NoError(t, err)

	tok, err := a.Issue("dev-phone")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestVerify_Tampered(t *testing.T) {
	iss, err := NewIssuer(cryptox.RandBytes(32), "securecore", time.Hour)
	require.NoError(t, err)

	tok, err := iss.Issue("dev-phone")
	require.NoError(t, err)

	raw := []byte(tok)
	dot := bytes.IndexByte(raw, '.')
	require.Positive(t, dot)
	raw[dot+1] ^= 0x01

	_, err = iss.Verify(string(raw))
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestNewIssuer_ShortSecret(t *testing.T) {
	_, err := NewIssuer([]byte("too short"), "securecore", time.Hour)
	assert.ErrorIs(t, err, common.ErrValidation)
}
