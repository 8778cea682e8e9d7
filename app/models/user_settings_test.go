package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserSettingsIssueAPIKey(t *testing.T) {
	us := &UserSettings{UserID: 1}

	key, err := us.IssueAPIKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)

	assert.True(t, strings.HasPrefix(key, "tra_"))
	assert.Len(t, us.APIKeyPrefix, 12)
	assert.NotNil(t, us.APIKeyCreatedAt)
	assert.Nil(t, us.APIKeyLastUsedAt)
	assert.True(t, us.HasActiveAPIKey())
	assert.Equal(t, HashAPIKey(key), us.APIKeyHash)
	assert.Equal(t, HashAPIKey("  "+key+"\n"), us.APIKeyHash)
}

func TestUserSettingsRevokeAPIKey(t *testing.T) {
	us := &UserSettings{UserID: 99}
	_, err := us.IssueAPIKey()
	require.NoError(t, err)

	us.RevokeAPIKey()

	assert.False(t, us.HasActiveAPIKey())
	assert.Equal(t, "", us.APIKeyHash)
	assert.Equal(t, "", us.APIKeyPrefix)
	assert.NotNil(t, us.APIKeyRevokedAt)
}

func TestCreateUser(t *testing.T) {
	u, err := CreateUser("analyst", "analyst@example.com")
	require.NoError(t, err)
	assert.True(t, u.IsActive())
	assert.Equal(t, ROLE_USER, u.Role)

	_, err = CreateUser("ab", "not-an-email")
	assert.Error(t, err)
}

func TestTaskAnalystsRoundTrip(t *testing.T) {
	task := &Task{}
	assert.Equal(t, []string{}, task.Analysts())

	task.SetAnalysts([]string{"market", "news"})
	assert.Equal(t, `["market","news"]`, task.SelectedAnalysts)
	assert.Equal(t, []string{"market", "news"}, task.Analysts())

	task.SelectedAnalysts = "{broken"
	assert.Equal(t, []string{}, task.Analysts())
}

func TestUserQuotaFreeRemaining(t *testing.T) {
	assert.Equal(t, 0, (*UserQuota)(nil).FreeRemaining())
	assert.Equal(t, 3, (&UserQuota{FreeTasksTotal: 5, FreeTasksUsed: 2}).FreeRemaining())
	assert.Equal(t, 0, (&UserQuota{FreeTasksTotal: 1, FreeTasksUsed: 4}).FreeRemaining())
}
