package dotysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/config"
	"bitbucket.org/mmdatafocus/possync_backend/models"
	"gorm.io/gorm"
)

// expiryMargin is subtracted from the token lifetime so a request never
// leaves with a token that expires mid-flight.
const expiryMargin = 60 * time.Second

// tokenStore abstracts token persistence so the refresh logic is testable
// without a database.
type tokenStore interface {
	Load(ctx context.Context, configId uint) (*models.OAuthToken, error)
	Replace(ctx context.Context, token *models.OAuthToken) error
	MarkNeedsReauth(ctx context.Context, configId uint) error
}

type gormTokenStore struct {
	db *gorm.DB
}

func (s *gormTokenStore) Load(ctx context.Context, configId uint) (*models.OAuthToken, error) {
	return models.GetActiveToken(ctx, s.db, configId)
}

func (s *gormTokenStore) Replace(ctx context.Context, token *models.OAuthToken) error {
	return models.ReplaceActiveToken(ctx, s.db, token)
}

func (s *gormTokenStore) MarkNeedsReauth(ctx context.Context, configId uint) error {
	return models.MarkNeedsReauthorization(ctx, s.db, configId)
}

// tokenManager hands out valid access tokens, refreshing behind a per-config
// single-flight gate so N concurrent workers trigger exactly one refresh.
type tokenManager struct {
	store   tokenStore
	refresh func(ctx context.Context, cfg *models.SyncConfig, refreshToken string) (*oauthTokenResponse, error)

	mu       sync.Mutex
	inflight map[uint]*refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token *models.OAuthToken
	err   error
}

func newTokenManager(db *gorm.DB) *tokenManager {
	return &tokenManager{
		store:    &gormTokenStore{db: db},
		refresh:  refreshAccessToken,
		inflight: map[uint]*refreshCall{},
	}
}

func (m *tokenManager) usable(token *models.OAuthToken) bool {
	if token == nil {
		return false
	}
	return time.Now().Add(expiryMargin).Before(token.ExpiresAt)
}

// AccessToken returns a token valid for at least the expiry margin.
func (m *tokenManager) AccessToken(ctx context.Context, cfg *models.SyncConfig) (string, error) {
	token, err := m.store.Load(ctx, cfg.ID)
	if err != nil {
		return "", err
	}
	if m.usable(token) {
		return token.AccessToken, nil
	}
	if token == nil || token.RefreshToken == "" {
		return "", m.failAuth(ctx, cfg.ID, "no active token")
	}

	refreshed, err := m.refreshSingleFlight(ctx, cfg, token)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh rotates the token regardless of its reported expiry. Used
// after a 401 on a token we thought was fresh.
func (m *tokenManager) ForceRefresh(ctx context.Context, cfg *models.SyncConfig) (string, error) {
	token, err := m.store.Load(ctx, cfg.ID)
	if err != nil {
		return "", err
	}
	if token == nil || token.RefreshToken == "" {
		return "", m.failAuth(ctx, cfg.ID, "no active token")
	}
	refreshed, err := m.refreshSingleFlight(ctx, cfg, token)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (m *tokenManager) refreshSingleFlight(ctx context.Context, cfg *models.SyncConfig, stale *models.OAuthToken) (*models.OAuthToken, error) {
	m.mu.Lock()
	if call, ok := m.inflight[cfg.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[cfg.ID] = call
	m.mu.Unlock()

	call.token, call.err = m.doRefresh(ctx, cfg, stale)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, cfg.ID)
	m.mu.Unlock()

	return call.token, call.err
}

func (m *tokenManager) doRefresh(ctx context.Context, cfg *models.SyncConfig, stale *models.OAuthToken) (*models.OAuthToken, error) {
	// another worker may have finished rotating while we waited for the gate
	current, err := m.store.Load(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if m.usable(current) && current.ID != stale.ID {
		return current, nil
	}
	if current != nil {
		stale = current
	}

	resp, err := m.refresh(ctx, cfg, stale.RefreshToken)
	if err != nil {
		if _, isAuth := err.(*AuthError); isAuth {
			logger := config.GetLogger()
			config.LogError(logger, "token.go", "doRefresh", "refresh rejected", cfg.CloudId, err)
			if markErr := m.store.MarkNeedsReauth(ctx, cfg.ID); markErr != nil {
				config.LogError(logger, "token.go", "doRefresh", "MarkNeedsReauth", cfg.ID, markErr)
			}
			evictConfigCache(cfg.ID)
		}
		return nil, err
	}

	now := time.Now()
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		// provider may keep the refresh token stable across rotations
		refreshToken = stale.RefreshToken
	}
	token := &models.OAuthToken{
		ConfigId:      cfg.ID,
		AccessToken:   resp.AccessToken,
		RefreshToken:  refreshToken,
		TokenType:     resp.TokenType,
		Scope:         resp.Scope,
		ExpiresAt:     now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		ObtainedAt:    stale.ObtainedAt,
		LastRefreshAt: &now,
		RefreshCount:  stale.RefreshCount + 1,
	}
	if token.ObtainedAt.IsZero() {
		token.ObtainedAt = now
	}
	if err := m.store.Replace(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

func (m *tokenManager) failAuth(ctx context.Context, configId uint, reason string) error {
	if err := m.store.MarkNeedsReauth(ctx, configId); err != nil {
		config.LogError(config.GetLogger(), "token.go", "failAuth", "MarkNeedsReauth", configId, err)
	}
	evictConfigCache(configId)
	return &AuthError{Reason: reason}
}

// ExchangeCode swaps the one-time authorization code for the first token
// pair and stores it.
func (m *tokenManager) ExchangeCode(ctx context.Context, cfg *models.SyncConfig, code string) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", cfg.ClientId)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("redirect_uri", cfg.RedirectURI)

	resp, err := postTokenEndpoint(ctx, cfg, form)
	if err != nil {
		return err
	}
	now := time.Now()
	token := &models.OAuthToken{
		ConfigId:     cfg.ID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		ObtainedAt:   now,
	}
	return m.store.Replace(ctx, token)
}

func refreshAccessToken(ctx context.Context, cfg *models.SyncConfig, refreshToken string) (*oauthTokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientId)
	form.Set("client_secret", cfg.ClientSecret)
	return postTokenEndpoint(ctx, cfg, form)
}

func postTokenEndpoint(ctx context.Context, cfg *models.SyncConfig, form url.Values) (*oauthTokenResponse, error) {
	endpoint := strings.TrimRight(cfg.APIBaseURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Reason: fmt.Sprintf("token endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	default:
		return nil, &ApiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed oauthTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.AccessToken == "" {
		return nil, &AuthError{Reason: "token endpoint returned no access_token"}
	}
	return &parsed, nil
}

// RevokeToken tells the provider to invalidate the token pair. Best effort:
// disconnect proceeds even when revocation fails.
func RevokeToken(ctx context.Context, cfg *models.SyncConfig, token *models.OAuthToken) error {
	if token == nil {
		return nil
	}
	endpoint := strings.TrimRight(cfg.APIBaseURL, "/") + "/oauth/revoke"
	form := url.Values{}
	form.Set("token", token.RefreshToken)
	form.Set("client_id", cfg.ClientId)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &ApiError{StatusCode: resp.StatusCode, Body: "revoke failed"}
	}
	return nil
}
