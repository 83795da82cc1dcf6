package tenants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL      string
	APIKey   string
	Table    string        // Default: tenants
	CacheTTL time.Duration // Default: 5 minutes
}

type cacheEntry struct {
	tenant    Tenant
	expiresAt time.Time
}

// Supabase reads tenants from a Supabase table and caches them for CacheTTL.
type Supabase struct {
	client *supabase.Client
	table  string
	ttl    time.Duration
	now    func() time.Time

	// fetch loads one row by column value; swapped in tests.
	fetch func(ctx context.Context, column, value string) (Tenant, error)

	mu     sync.RWMutex
	bySlug map[string]cacheEntry
	byID   map[string]cacheEntry
}

// NewSupabase creates a cached Supabase directory.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	s := newSupabase(cfg)
	s.client = client
	s.fetch = s.query
	return s, nil
}

func newSupabase(cfg SupabaseConfig) *Supabase {
	if cfg.Table == "" {
		cfg.Table = "tenants"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	return &Supabase{
		table:  cfg.Table,
		ttl:    cfg.CacheTTL,
		now:    time.Now,
		bySlug: make(map[string]cacheEntry),
		byID:   make(map[string]cacheEntry),
	}
}

func (s *Supabase) query(_ context.Context, column, value string) (Tenant, error) {
	var rows []Tenant
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq(column, value).
		ExecuteTo(&rows)
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to query tenant by %s: %w", column, err)
	}
	if len(rows) == 0 {
		return Tenant{}, fmt.Errorf("%s %q: %w", column, value, ErrNotFound)
	}
	return rows[0], nil
}

// BySlug resolves an enabled tenant by slug.
func (s *Supabase) BySlug(ctx context.Context, slug string) (Tenant, error) {
	t, err := s.lookup(ctx, s.bySlug, "slug", slug)
	if err != nil {
		return Tenant{}, err
	}
	if !t.Enabled {
		return Tenant{}, fmt.Errorf("slug %q disabled: %w", slug, ErrNotFound)
	}
	return t, nil
}

// ByID resolves a tenant by id.
func (s *Supabase) ByID(ctx context.Context, id string) (Tenant, error) {
	return s.lookup(ctx, s.byID, "id", id)
}

func (s *Supabase) lookup(ctx context.Context, index map[string]cacheEntry, column, value string) (Tenant, error) {
	s.mu.RLock()
	entry, ok := index[value]
	s.mu.RUnlock()
	if ok && s.now().Before(entry.expiresAt) {
		return entry.tenant, nil
	}

	t, err := s.fetch(ctx, column, value)
	if err != nil {
		return Tenant{}, err
	}

	fresh := cacheEntry{tenant: t, expiresAt: s.now().Add(s.ttl)}
	s.mu.Lock()
	s.bySlug[t.Slug] = fresh
	s.byID[t.ID] = fresh
	s.mu.Unlock()

	return t, nil
}
