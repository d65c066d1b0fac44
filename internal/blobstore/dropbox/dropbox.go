// Package dropbox implements blobstore.BlobStore against the Dropbox
// Content/API v2 REST endpoints, authenticated through internal/tokenmanager.
// It generalizes the object-storage interface shape used by
// sgl-project-ome's storage providers (Get/Put/Delete/List/Stat) onto
// Dropbox's upload/download/list_folder/delete_v2 calls, and reuses the
// teacher's debounced-background-save pattern for scheduling DB-snapshot
// pushes instead of writing them inline on every commit.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/blobstore"
	"github.com/aiforge/aggregator/internal/tokenmanager"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	apiBase     = "https://api.dropboxapi.com/2"
	contentBase = "https://content.dropboxapi.com/2"

	snapshotKey = "/snapshots/db.sqlite"
)

// apiBaseOverride/contentBaseOverride let tests point the client at an
// httptest server instead of the real Dropbox API.
var (
	apiBaseOverride     = apiBase
	contentBaseOverride = contentBase
)

// Config configures the Dropbox-backed store.
type Config struct {
	RootPrefix   string // e.g. "/aggregator"; all keys are namespaced under this
	MaxRetries   int
	RetryDelayMS int

	// LocalDBPath is the on-disk SQLite file ScheduleDBSnapshotSync pushes
	// to Dropbox. Empty disables the background sync loop.
	LocalDBPath string
}

// Store is a Dropbox-backed blobstore.BlobStore.
type Store struct {
	cfg    Config
	tokens *tokenmanager.Manager
	http   *http.Client

	syncCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Dropbox-backed store and starts its debounced
// DB-snapshot sync loop. Callers must call Close to stop the loop.
func New(cfg Config, tokens *tokenmanager.Manager) *Store {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayMS <= 0 {
		cfg.RetryDelayMS = 500
	}
	s := &Store{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: 60 * time.Second},
		syncCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	if cfg.LocalDBPath != "" {
		go s.syncLoop()
	}
	return s
}

// Close stops the background sync loop. It does not affect in-flight calls.
func (s *Store) Close() {
	close(s.doneCh)
}

func (s *Store) key(k string) string {
	return path.Join("/", s.cfg.RootPrefix, k)
}

func (s *Store) authHeader(ctx context.Context) (string, error) {
	tok, ok := s.tokens.GetValidAccessToken(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no valid Dropbox access token", apperrors.ErrAuthExpired)
	}
	return "Bearer " + tok, nil
}

// withRetry retries op with bounded exponential backoff. A single 401
// triggers exactly one forced token refresh and one extra attempt before
// ErrAuthExpired is treated as permanent; ErrNotFound is always permanent.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	refreshedOnce := false

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.cfg.RetryDelayMS) * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	retrier := backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries))

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, apperrors.ErrAuthExpired) {
			if refreshedOnce {
				return backoff.Permanent(err)
			}
			refreshedOnce = true
			if rerr := s.tokens.Refresh(ctx); rerr != nil {
				return backoff.Permanent(fmt.Errorf("%w: refresh failed: %v", apperrors.ErrAuthExpired, rerr))
			}
			return err // one more attempt with the refreshed token
		}
		return err
	}, backoff.WithContext(retrier, ctx))
}

// PutModel uploads content to Dropbox via the content-upload endpoint.
func (s *Store) PutModel(ctx context.Context, keyStr string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload payload: %w", err)
	}
	return s.withRetry(ctx, func() error {
		auth, err := s.authHeader(ctx)
		if err != nil {
			return err
		}

		apiArg, _ := json.Marshal(map[string]any{
			"path": s.key(keyStr),
			"mode": "overwrite",
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentBaseOverride+"/files/upload", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Dropbox-API-Arg", string(apiArg))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkStatus(resp)
	})
}

func (s *Store) GetModelStream(ctx context.Context, keyStr string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.withRetry(ctx, func() error {
		auth, err := s.authHeader(ctx)
		if err != nil {
			return err
		}
		apiArg, _ := json.Marshal(map[string]any{"path": s.key(keyStr)})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentBaseOverride+"/files/download", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Dropbox-API-Arg", string(apiArg))

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			resp.Body.Close()
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

func (s *Store) GetModelBytes(ctx context.Context, keyStr string) ([]byte, error) {
	rc, err := s.GetModelStream(ctx, keyStr)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *Store) DeleteModel(ctx context.Context, keyStr string) error {
	return s.withRetry(ctx, func() error {
		auth, err := s.authHeader(ctx)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"path": s.key(keyStr)})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseOverride+"/files/delete_v2", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkStatus(resp)
	})
}

// DirectURL mints a short-lived temporary download link, satisfying the
// registry package's optional directURLProvider interface so the Streamer
// can redirect clients instead of buffering artifact bytes.
func (s *Store) DirectURL(ctx context.Context, keyStr string) (string, error) {
	var url string
	err := s.withRetry(ctx, func() error {
		auth, err := s.authHeader(ctx)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"path": s.key(keyStr)})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseOverride+"/files/get_temporary_link", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}
		var parsed struct {
			Link string `json:"link"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decode get_temporary_link response: %w", err)
		}
		url = parsed.Link
		return nil
	})
	return url, err
}

func (s *Store) ListModels(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var out []blobstore.ObjectInfo
	err := s.withRetry(ctx, func() error {
		auth, err := s.authHeader(ctx)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"path": s.key(prefix)})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseOverride+"/files/list_folder", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		var parsed struct {
			Entries []struct {
				Name           string `json:"name"`
				Size           int64  `json:"size"`
				ServerModified string `json:"server_modified"`
			} `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decode list_folder response: %w", err)
		}
		out = out[:0]
		for _, e := range parsed.Entries {
			t, _ := time.Parse(time.RFC3339, e.ServerModified)
			out = append(out, blobstore.ObjectInfo{Key: e.Name, Size: e.Size, LastModified: t.Unix()})
		}
		return nil
	})
	return out, err
}

func (s *Store) PushDBSnapshot(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.PutModel(ctx, snapshotKey, f, info.Size())
}

func (s *Store) FetchDBSnapshot(ctx context.Context, localPath string) error {
	data, err := s.GetModelBytes(ctx, snapshotKey)
	if err != nil {
		return err
	}
	tmp := localPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, localPath)
}

// ScheduleDBSnapshotSync requests a debounced background push, coalescing
// rapid successive commits into a single upload.
func (s *Store) ScheduleDBSnapshotSync() {
	select {
	case s.syncCh <- struct{}{}:
	default:
	}
}

func (s *Store) syncLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.syncCh:
			time.Sleep(2 * time.Second) // debounce rapid commits into one upload
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if err := s.PushDBSnapshot(ctx, s.cfg.LocalDBPath); err != nil {
				log.Warn().Err(err).Msg("db snapshot sync failed")
			}
			cancel()
		}
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusConflict && bytes.Contains(body, []byte("not_found")) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, string(body))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", apperrors.ErrAuthExpired, string(body))
	}
	return fmt.Errorf("dropbox request failed (%d): %s", resp.StatusCode, string(body))
}

var _ blobstore.BlobStore = (*Store)(nil)
