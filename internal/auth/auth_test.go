package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.Issue("controller-abc")
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "controller-abc", claims.ControllerID)
	assert.Equal(t, "synthmesh", claims.Issuer)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-one", time.Hour).Issue("controller-abc")
	require.NoError(t, err)

	_, err = NewManager("secret-two", time.Hour).Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewManager("test-secret", -time.Minute)
	token, err := m.Issue("controller-abc")
	require.NoError(t, err)

	_, err = m.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	_, err := m.Verify("not-a-token")
	require.Error(t, err)
}

func TestFromRequestCookie(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	token, err := m.Issue("controller-abc")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/controller/lock", nil)
	req.Header.Set("Cookie", CookieName+"="+token)
	claims, err := m.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "controller-abc", claims.ControllerID)
}

func TestFromRequestBearer(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	token, err := m.Issue("controller-abc")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/controller/lock", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := m.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "controller-abc", claims.ControllerID)
}

func TestFromRequestNoToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	req := httptest.NewRequest("GET", "/controller/lock", nil)
	_, err := m.FromRequest(req)
	assert.ErrorIs(t, err, ErrNoSession)
}
