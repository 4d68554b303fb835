package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("alice", RoleAdmin)
	require.NoError(t, err)

	userID, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, RoleAdmin, role)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	token, err := NewService("one", 5).GenerateToken("alice", "")
	require.NoError(t, err)

	_, _, err = NewService("two", 5).ParseAuthContext(token)
	assert.Error(t, err)
}

func TestParseRejectsEmptyUser(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("", "")
	require.NoError(t, err)

	_, err = svc.ParseToken(token)
	assert.Error(t, err)
}
