package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "account-service",
	})
	require.NoError(t, err)
	return issuer
}

func TestNewTokenIssuerRequiresDistinctSecrets(t *testing.T) {
	t.Parallel()

	_, err := NewTokenIssuer(TokenConfig{AccessSecret: "same", RefreshSecret: "same"})
	assert.Error(t, err)

	_, err = NewTokenIssuer(TokenConfig{AccessSecret: "only-access"})
	assert.Error(t, err)

	issuer, err := NewTokenIssuer(TokenConfig{AccessSecret: "a", RefreshSecret: "r"})
	require.NoError(t, err)
	assert.Equal(t, defaultAccessTTL, issuer.TTL(AccessToken))
	assert.Equal(t, defaultRefreshTTL, issuer.TTL(RefreshToken))
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)
	for _, kind := range []TokenKind{AccessToken, RefreshToken} {
		token, exp, err := issuer.Issue(kind, "acct-1")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(issuer.TTL(kind)), exp, 5*time.Second)

		claims, err := issuer.Verify(token, kind)
		require.NoError(t, err)
		assert.Equal(t, "acct-1", claims.Subject)
		assert.Equal(t, kind, claims.Kind)
		assert.NotEmpty(t, claims.ID)
	}
}

func TestIssueProducesUniqueTokens(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)
	first, _, err := issuer.Issue(RefreshToken, "acct-1")
	require.NoError(t, err)
	second, _, err := issuer.Issue(RefreshToken, "acct-1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)
	access, _, err := issuer.Issue(AccessToken, "acct-1")
	require.NoError(t, err)
	refresh, _, err := issuer.Issue(RefreshToken, "acct-1")
	require.NoError(t, err)

	_, err = issuer.Verify(access, RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuer.Verify(refresh, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)
	issuedAt := time.Now().Add(-48 * time.Hour)
	issuer.now = func() time.Time { return issuedAt }
	token, _, err := issuer.Issue(RefreshToken, "acct-1")
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().UTC() }
	_, err = issuer.Verify(token, RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedAndMalformed(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "acct-1",
			Issuer:    "account-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Kind: AccessToken,
	}).SignedString([]byte("attacker-secret"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Kind:             AccessToken,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	valid, _, err := issuer.Issue(AccessToken, "acct-1")
	require.NoError(t, err)
	tampered := valid[:strings.LastIndex(valid, ".")] + ".AAAA"

	for name, token := range map[string]string{
		"forged":    forged,
		"none alg":  noneAlg,
		"tampered":  tampered,
		"malformed": "not.a.jwt",
		"empty":     "",
	} {
		_, err := issuer.Verify(token, AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestVerifyRejectsMissingExpiry(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-1", Issuer: "account-service"},
		Kind:             AccessToken,
	}).SignedString([]byte("access-secret"))
	require.NoError(t, err)

	_, err = issuer.Verify(token, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
