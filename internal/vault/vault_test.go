package vault

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	caller, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", caller)
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("  ", time.Hour)
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssueRequiresCaller(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", 0)
	require.NoError(t, err)
	_, err = issuer.Issue("")
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, err := NewTokenIssuer("secret-a", time.Hour)
	require.NoError(t, err)
	b, err := NewTokenIssuer("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("alice")
	require.NoError(t, err)

	_, err = b.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	issued := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return issued }

	token, err := issuer.Issue("alice")
	require.NoError(t, err)

	issuer.now = func() time.Time { return issued.Add(time.Hour) }
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, CallerClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = issuer.Verify(signed)
	require.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, CallerClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	none, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Verify(none)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "localhost")
	assert.True(t, parsed.NotAfter.After(time.Now()))
}
