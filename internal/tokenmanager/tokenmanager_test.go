package tokenmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFailsWithoutRefreshToken(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Config{TokenFilePath: filepath.Join(dir, "tokens.json")})
	require.Error(t, err)
}

func TestRefreshPersistsTokenAndRespectsCooldown(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")

	m, err := New(Config{
		AppKey:                  "key",
		AppSecret:               "secret",
		RefreshToken:            "refresh-1",
		AutoRefresh:             true,
		RefreshThresholdSeconds: 300,
		RefreshCooldownSeconds:  60,
		TokenEndpoint:           srv.URL,
		TokenFilePath:           path,
	})
	require.NoError(t, err)

	tok, ok := m.GetValidAccessToken(context.Background())
	require.True(t, ok)
	require.Equal(t, "new-access", tok)
	require.Equal(t, 1, calls)

	// Second refresh within cooldown should not hit the server again.
	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, 1, calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "new-access")
}

func TestGetValidAccessTokenReturnsFalseWhenRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := New(Config{
		AppKey:        "key",
		AppSecret:     "secret",
		RefreshToken:  "refresh-1",
		AutoRefresh:   true,
		TokenEndpoint: srv.URL,
		TokenFilePath: filepath.Join(dir, "tokens.json"),
	})
	require.NoError(t, err)

	_, ok := m.GetValidAccessToken(context.Background())
	require.False(t, ok)
}

func TestLoadFromFileQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	m, err := New(Config{RefreshToken: "seed-refresh", TokenFilePath: path})
	require.NoError(t, err)
	require.Equal(t, "seed-refresh", m.tok.RefreshToken)

	matches, _ := filepath.Glob(path + ".corrupt.*")
	require.Len(t, matches, 1)
}
