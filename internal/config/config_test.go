package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRolesTwoTokenGroup(t *testing.T) {
	roles, err := ParseRoles([]string{"--role", "admin", "/tmp/admin.json"})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "admin", roles[0].Name)
	assert.Equal(t, "/tmp/admin.json", roles[0].AuthFile)
	assert.Nil(t, roles[0].DefaultURL)
}

func TestParseRolesThreeTokenGroupWithDefaultURL(t *testing.T) {
	roles, err := ParseRoles([]string{"--role", "guest", "/tmp/guest.json", "https://example.com/dashboard"})
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.NotNil(t, roles[0].DefaultURL)
	assert.Equal(t, "https://example.com/dashboard", roles[0].DefaultURL.String())
}

func TestParseRolesMultipleGroups(t *testing.T) {
	roles, err := ParseRoles([]string{
		"--role", "admin", "/tmp/admin.json",
		"--role", "guest", "/tmp/guest.json", "https://example.com",
	})
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].Name)
	assert.Equal(t, "guest", roles[1].Name)
}

func TestParseRolesRejectsNonURLThirdToken(t *testing.T) {
	_, err := ParseRoles([]string{"--role", "admin", "/tmp/admin.json", "dashboard"})
	assert.Error(t, err, "a bare word is not an absolute URL and must not be silently consumed")
}

func TestParseRolesRejectsMissingAuthFile(t *testing.T) {
	_, err := ParseRoles([]string{"--role", "admin"})
	assert.Error(t, err)
}

func TestParseRolesRejectsUnexpectedToken(t *testing.T) {
	_, err := ParseRoles([]string{"admin", "/tmp/admin.json"})
	assert.Error(t, err)
}

func TestLoadAuthStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")

	state := AuthState{
		Cookies: []Cookie{{Name: "session", Value: "abc", Domain: "example.com", Path: "/"}},
		Origins: []Origin{{
			Origin:       "https://example.com",
			LocalStorage: []StorageEntry{{Name: "token", Value: "xyz"}},
		}},
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadAuthState(path)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadAuthStateMissingFile(t *testing.T) {
	_, err := LoadAuthState(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
