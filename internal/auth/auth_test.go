package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("sk-test-key")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("sk-test-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-valid-hash")
	assert.Error(t, err)
}

func TestAdminTokenRoundTrip(t *testing.T) {
	m, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)

	token, exp, err := m.IssueAdminToken("ops@example.test")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.VerifyAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.test", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestAdminTokenRejectedAcrossManagers(t *testing.T) {
	m1, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.IssueAdminToken("subject")
	require.NoError(t, err)

	_, err = m2.VerifyAdminToken(token)
	assert.Error(t, err)
}

func TestAdminTokenSharedSecretVerifiesAcrossManagers(t *testing.T) {
	m1, err := NewJWTManager("shared-secret", time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager("shared-secret", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.IssueAdminToken("subject")
	require.NoError(t, err)

	claims, err := m2.VerifyAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "subject", claims.Subject)
}

func TestAdminTokenGarbageRejected(t *testing.T) {
	m, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)

	_, err = m.VerifyAdminToken("definitely.not.a.jwt")
	assert.Error(t, err)
}
