package dropbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/tokenmanager"
	"github.com/stretchr/testify/require"
)

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}

func newTestTokenManager(t *testing.T) *tokenmanager.Manager {
	t.Helper()
	tokSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(tokSrv.Close)

	m, err := tokenmanager.New(tokenmanager.Config{
		RefreshToken:  "refresh",
		AutoRefresh:   true,
		TokenEndpoint: tokSrv.URL,
		TokenFilePath: filepath.Join(t.TempDir(), "tokens.json"),
	})
	require.NoError(t, err)
	return m
}

func TestPutModelSendsBearerAndPath(t *testing.T) {
	var gotAuth, gotArg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotArg = r.Header.Get("Dropbox-API-Arg")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tm := newTestTokenManager(t)
	store := New(Config{RootPrefix: "/aggregator"}, tm)
	store.http = srv.Client()
	patchContentBase(t, srv.URL)

	err := store.PutModel(context.Background(), "models/1.0.1.bin", stringsReader("payload"), 7)
	require.NoError(t, err)
	require.Contains(t, gotAuth, "Bearer test-access")
	require.Contains(t, gotArg, "/aggregator/models/1.0.1.bin")
}

func TestDeleteModelNotFoundMapsToAppError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_summary": "path/not_found/..."}`))
	}))
	defer srv.Close()

	tm := newTestTokenManager(t)
	store := New(Config{}, tm)
	store.http = srv.Client()
	patchAPIBase(t, srv.URL)

	err := store.DeleteModel(context.Background(), "models/missing.bin")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

// patchContentBase/patchAPIBase swap the package-level base URL constants
// for the duration of one test via the test-only indirection below.
func patchContentBase(t *testing.T, url string) {
	t.Helper()
	orig := contentBaseOverride
	contentBaseOverride = url
	t.Cleanup(func() { contentBaseOverride = orig })
}

func patchAPIBase(t *testing.T, url string) {
	t.Helper()
	orig := apiBaseOverride
	apiBaseOverride = url
	t.Cleanup(func() { apiBaseOverride = orig })
}
