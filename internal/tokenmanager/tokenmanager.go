// Package tokenmanager owns the OAuth2 credential lifecycle for the Blob
// Store's object-storage backend. It is a process singleton: constructed
// once in main, injected into the Blob Store, never duplicated.
//
// State machine: Uninitialized -> HaveRefreshOnly -> Valid <-> NeedsRefresh
// -> Valid|Failed. NeedsRefresh is detected lazily on GetValidAccessToken.
package tokenmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Config is the recognized configuration for the token manager.
type Config struct {
	AppKey                 string
	AppSecret              string
	RefreshToken           string
	AutoRefresh            bool
	RefreshThresholdSeconds int
	RefreshCooldownSeconds  int

	// TokenEndpoint is the OAuth2 token refresh endpoint. Defaults to
	// Dropbox's when empty.
	TokenEndpoint string

	// TokenFilePath is where {access_token, refresh_token, expiry_time} is
	// persisted across restarts. Source of truth over Config on restart.
	TokenFilePath string
}

type state int

const (
	stateUninitialized state = iota
	stateHaveRefreshOnly
	stateValid
	stateNeedsRefresh
	stateFailed
)

// Manager is the process-singleton OAuth2 credential holder.
type Manager struct {
	cfg Config

	mu           sync.RWMutex
	tok          oauth2.Token
	st           state
	lastAttempt  time.Time

	httpClient *http.Client
}

// fileShape is the on-disk persisted token cache.
type fileShape struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiryTime   time.Time `json:"expiry_time"`
}

// New constructs a Manager, loading any persisted token file and otherwise
// seeding from cfg. A missing refresh token everywhere is ErrUnconfigured.
func New(cfg Config) (*Manager, error) {
	if cfg.RefreshThresholdSeconds <= 0 {
		cfg.RefreshThresholdSeconds = 300
	}
	if cfg.RefreshCooldownSeconds <= 0 {
		cfg.RefreshCooldownSeconds = 60
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = "https://api.dropboxapi.com/oauth2/token"
	}
	if cfg.TokenFilePath == "" {
		cfg.TokenFilePath = "tokens.json"
	}

	m := &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		st:         stateUninitialized,
	}

	if loaded, ok := m.loadFromFile(); ok {
		m.tok = loaded
		m.st = stateValid
		if m.tok.Expiry.Before(time.Now()) {
			m.st = stateNeedsRefresh
		}
		return m, nil
	}

	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token in token file or configuration", apperrors.ErrUnconfigured)
	}

	m.tok = oauth2.Token{RefreshToken: cfg.RefreshToken}
	m.st = stateHaveRefreshOnly
	return m, nil
}

// loadFromFile reads the token cache; a corrupt file is quarantined and
// treated as absent.
func (m *Manager) loadFromFile() (oauth2.Token, bool) {
	data, err := os.ReadFile(m.cfg.TokenFilePath)
	if err != nil {
		return oauth2.Token{}, false
	}

	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", m.cfg.TokenFilePath, time.Now().UnixNano())
		if rerr := os.Rename(m.cfg.TokenFilePath, quarantine); rerr != nil {
			log.Warn().Err(rerr).Str("path", m.cfg.TokenFilePath).Msg("failed to quarantine corrupt token file")
		} else {
			log.Warn().Str("quarantined_to", quarantine).Msg("corrupt token file quarantined, re-initializing from configuration")
		}
		return oauth2.Token{}, false
	}

	refresh := fs.RefreshToken
	if refresh == "" {
		refresh = m.cfg.RefreshToken
	}
	if refresh == "" {
		return oauth2.Token{}, false
	}

	return oauth2.Token{
		AccessToken:  fs.AccessToken,
		RefreshToken: refresh,
		Expiry:       fs.ExpiryTime,
	}, true
}

// GetValidAccessToken returns a valid access token, refreshing it first if
// needed and allowed. Never returns an expired token when refresh is
// possible and cooldown has elapsed; returns ok=false instead.
func (m *Manager) GetValidAccessToken(ctx context.Context) (token string, ok bool) {
	m.mu.RLock()
	valid := m.isValidLocked()
	needsRefresh := !valid
	tok := m.tok.AccessToken
	m.mu.RUnlock()

	if valid {
		return tok, true
	}
	if !needsRefresh {
		return "", false
	}

	if !m.cfg.AutoRefresh {
		return "", false
	}

	if err := m.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.isValidLocked() {
			return m.tok.AccessToken, true
		}
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tok.AccessToken, m.isValidLocked()
}

func (m *Manager) isValidLocked() bool {
	if m.tok.AccessToken == "" {
		return false
	}
	threshold := time.Duration(m.cfg.RefreshThresholdSeconds) * time.Second
	return time.Until(m.tok.Expiry) > threshold
}

// ErrRefresh is returned when the refresh HTTP call does not succeed. The
// token is left as-is; the cooldown window still applies to the next call.
var ErrRefresh = errors.New("token refresh failed")

// Refresh performs the OAuth2 refresh-token grant, honoring the configured
// cooldown. On success the new token is persisted atomically and in-memory
// subscribers observe it on their next GetValidAccessToken call.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if !m.lastAttempt.IsZero() && time.Since(m.lastAttempt) < time.Duration(m.cfg.RefreshCooldownSeconds)*time.Second {
		m.mu.Unlock()
		return nil
	}
	m.lastAttempt = time.Now()
	refreshToken := m.tok.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token available", apperrors.ErrUnconfigured)
	}

	var newTok oauth2.Token
	op := func() error {
		t, err := m.doRefreshRequest(ctx, refreshToken)
		if err != nil {
			return err
		}
		newTok = t
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		m.mu.Lock()
		m.st = stateFailed
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRefresh, err)
	}

	m.mu.Lock()
	m.tok = newTok
	m.st = stateValid
	m.mu.Unlock()

	if err := m.persist(newTok); err != nil {
		log.Warn().Err(err).Msg("failed to persist refreshed token")
	}
	return nil
}

func (m *Manager) doRefreshRequest(ctx context.Context, refreshToken string) (oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", m.cfg.AppKey)
	form.Set("client_secret", m.cfg.AppSecret)

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return oauth2.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return oauth2.Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oauth2.Token{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return oauth2.Token{}, fmt.Errorf("decode token response: %w", err)
	}

	return oauth2.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// persist writes the token cache atomically (write-temp-then-rename).
func (m *Manager) persist(tok oauth2.Token) error {
	fs := fileShape{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiryTime:   tok.Expiry,
	}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.cfg.TokenFilePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := m.cfg.TokenFilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.cfg.TokenFilePath)
}
