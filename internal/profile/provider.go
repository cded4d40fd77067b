// Package profile provides cached access to user profiles stored in
// SQLite. Profile writes come from a companion application; this service
// only reads them, so a short TTL cache keeps the hot retrieval path off
// the database.
package profile

import (
	"fmt"
	"sync"
	"time"

	"github.com/jansetu/jansetu/internal/content"
)

// Store defines the storage operations the Provider needs.
// Implemented by storage.Store.
type Store interface {
	GetProfile(id string, historyLimit int) (content.UserProfile, error)
	SaveProfile(p content.UserProfile) error
	AppendInteraction(userID string, in content.Interaction) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cachedProfile struct {
	profile  content.UserProfile
	cachedAt time.Time
}

// Provider serves profiles with a per-user TTL cache.
type Provider struct {
	store        Store
	clock        Clock
	ttl          time.Duration
	historyLimit int

	mu     sync.RWMutex
	cached map[string]cachedProfile
}

// NewProvider creates a Provider with a 60-second cache TTL.
func NewProvider(store Store, historyLimit int) *Provider {
	return NewProviderWithClock(store, realClock{}, 60*time.Second, historyLimit)
}

// NewProviderWithClock creates a Provider with a custom clock (for testing).
func NewProviderWithClock(store Store, clock Clock, ttl time.Duration, historyLimit int) *Provider {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Provider{
		store:        store,
		clock:        clock,
		ttl:          ttl,
		historyLimit: historyLimit,
		cached:       make(map[string]cachedProfile),
	}
}

// Get returns the profile for id, from cache when fresh. The returned
// profile is a copy; mutating it does not affect the cache.
func (p *Provider) Get(id string) (content.UserProfile, error) {
	p.mu.RLock()
	if c, ok := p.cached[id]; ok && p.clock.Now().Before(c.cachedAt.Add(p.ttl)) {
		cp := copyProfile(c.profile)
		p.mu.RUnlock()
		return cp, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cached[id]; ok && p.clock.Now().Before(c.cachedAt.Add(p.ttl)) {
		return copyProfile(c.profile), nil
	}

	prof, err := p.store.GetProfile(id, p.historyLimit)
	if err != nil {
		return content.UserProfile{}, err
	}
	p.cached[id] = cachedProfile{profile: prof, cachedAt: p.clock.Now()}
	return copyProfile(prof), nil
}

// Save persists a profile and invalidates its cache entry.
func (p *Provider) Save(prof content.UserProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.SaveProfile(prof); err != nil {
		return fmt.Errorf("saving profile %s: %w", prof.ID, err)
	}
	delete(p.cached, prof.ID)
	return nil
}

// RecordInteraction appends to a user's history and invalidates the cache
// so the next read reflects it.
func (p *Provider) RecordInteraction(userID string, in content.Interaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.AppendInteraction(userID, in); err != nil {
		return fmt.Errorf("recording interaction for %s: %w", userID, err)
	}
	delete(p.cached, userID)
	return nil
}

func copyProfile(p content.UserProfile) content.UserProfile {
	cp := p
	if p.Interactions != nil {
		cp.Interactions = make([]content.Interaction, len(p.Interactions))
		copy(cp.Interactions, p.Interactions)
	}
	return cp
}
