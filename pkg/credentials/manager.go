package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// expiryBuffer refreshes a token this long before it actually expires.
	expiryBuffer         = 5 * time.Minute
	defaultTokenLifetime = 24 * time.Hour
	refreshTimeout       = 15 * time.Second
)

// ErrNoCredentials is returned when a tenant has neither a stored grant nor an env fallback.
var ErrNoCredentials = errors.New("credentials: no credentials for tenant")

// OAuthConfig identifies the OAuth client used for refreshes.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Manager hands out valid access tokens, refreshing them through the OAuth
// refresh-token grant when they are within five minutes of expiry.
type Manager struct {
	store      Store
	oauth      *oauth2.Config
	envToken   string
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time

	// mu serializes refreshes inside this process; the store's version
	// check covers other processes.
	mu sync.Mutex
}

// NewManager creates a Manager. envToken is used for tenants without a stored
// credential and can never be refreshed.
func NewManager(store Store, oauthCfg OAuthConfig, envToken string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     oauthCfg.ClientID,
			ClientSecret: oauthCfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  oauthCfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		envToken: strings.TrimSpace(envToken),
		log:      log.With("component", "credentials.manager"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Token returns a usable access token for tenantID.
func (m *Manager) Token(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) || (err == nil && cred.AccessToken == "") {
		if m.envToken != "" {
			return m.envToken, nil
		}
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredentials)
	}
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}

	if !m.expired(cred) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// LocationID returns the provider location bound to the tenant's grant, if known.
func (m *Manager) LocationID(ctx context.Context, tenantID string) string {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return ""
	}
	return cred.LocationID
}

// Invalidate forces the next Token call to refresh. Callers use it after the
// API rejected a token with 401.
func (m *Manager) Invalidate(ctx context.Context, tenantID string) {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return
	}
	cred.ExpiresAt = time.Time{}
	if err := m.store.Update(ctx, tenantID, &cred); err != nil && !errors.Is(err, ErrVersionConflict) {
		m.log.Warn("Failed to invalidate credential", "tenant_id", tenantID, "error", err)
	}
}

// Seed stores a fresh grant for tenantID, replacing any existing one.
func (m *Manager) Seed(ctx context.Context, tenantID string, cred Credential) error {
	if strings.TrimSpace(cred.AccessToken) == "" && strings.TrimSpace(cred.RefreshToken) == "" {
		return errors.New("credentials: access or refresh token is required")
	}
	return m.store.Put(ctx, tenantID, cred)
}

func (m *Manager) expired(cred Credential) bool {
	if cred.ExpiresAt.IsZero() {
		return true
	}
	return !m.now().Before(cred.ExpiresAt.Add(-expiryBuffer))
}

func (m *Manager) refresh(ctx context.Context, tenantID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited.
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return Credential{}, fmt.Errorf("reload credentials: %w", err)
	}
	if !m.expired(cred) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return Credential{}, fmt.Errorf("tenant %s: token expired and no refresh token", tenantID)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	m.log.Info("Refreshing token", "tenant_id", tenantID)
	start := time.Now()

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		m.log.Error("Token refresh failed", "tenant_id", tenantID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return Credential{}, fmt.Errorf("refresh token: %w", err)
	}

	next := cred
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = tok.Expiry
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = m.now().Add(defaultTokenLifetime)
	}
	if loc, ok := tok.Extra("locationId").(string); ok && loc != "" {
		next.LocationID = loc
	}

	err = m.store.Update(ctx, tenantID, &next)
	if errors.Is(err, ErrVersionConflict) {
		// Another worker refreshed first; use its token.
		return m.store.Get(ctx, tenantID)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("store refreshed credentials: %w", err)
	}

	m.log.Info("Token refreshed", "tenant_id", tenantID, "expires_at", next.ExpiresAt, "duration_ms", time.Since(start).Milliseconds())
	return next, nil
}
