// Package credentials keeps per-tenant OAuth credentials for the calendar
// and messaging APIs and refreshes them before they expire.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a tenant has no stored credential.
	ErrNotFound = errors.New("credentials: not found")
	// ErrVersionConflict is returned when a credential changed since it was read.
	ErrVersionConflict = errors.New("credentials: version conflict")
)

// Credential is one tenant's OAuth grant.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	LocationID   string    `json:"location_id,omitempty"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists credentials with optimistic locking so that concurrent
// workers refreshing the same grant do not overwrite each other.
type Store interface {
	// Get returns ErrNotFound when the tenant has no credential.
	Get(ctx context.Context, tenantID string) (Credential, error)
	// Put writes cred unconditionally and sets Version to 1.
	Put(ctx context.Context, tenantID string, cred Credential) error
	// Update writes cred if the stored Version still equals cred.Version,
	// then increments Version.
	Update(ctx context.Context, tenantID string, cred *Credential) error
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[tenantID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (m *MemoryStore) Put(_ context.Context, tenantID string, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred.Version = 1
	cred.UpdatedAt = time.Now().UTC()
	m.creds[tenantID] = cred
	return nil
}

func (m *MemoryStore) Update(_ context.Context, tenantID string, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.creds[tenantID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != cred.Version {
		return ErrVersionConflict
	}

	cred.Version++
	cred.UpdatedAt = time.Now().UTC()
	m.creds[tenantID] = *cred
	return nil
}

func (m *MemoryStore) Close() error { return nil }
