// Package store provides the consent.Store drivers: an in-memory map store
// for tests and default wiring, and a postgres store for durable deployments.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trainshare/internal/consent"
	"trainshare/pkg/domain"
	"trainshare/pkg/platform/sentinel"
	"trainshare/pkg/requestcontext"
)

// Memory keeps consent records in process. It intentionally favors clarity
// over performance: every operation takes the store lock, because any read
// may need to write back a lazy expiry flip.
type Memory struct {
	mu       sync.Mutex
	byID     map[domain.ConsentID]*consent.Consent
	byClient map[domain.ClientID][]domain.ConsentID

	onLazyExpiry func()
}

// MemoryOption customizes a Memory store.
type MemoryOption func(*Memory)

// WithExpiryHook registers a callback invoked once per lazy ACTIVE->EXPIRED
// flip, used for metrics.
func WithExpiryHook(fn func()) MemoryOption {
	return func(m *Memory) { m.onLazyExpiry = fn }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byID:     make(map[domain.ConsentID]*consent.Consent),
		byClient: make(map[domain.ClientID][]domain.ConsentID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(ctx context.Context, c *consent.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[c.ID]; ok {
		return sentinel.ErrConflict
	}
	// One-active-per-pair is checked under the same lock as the insert so
	// check-then-insert cannot race. A stale ACTIVE record whose expiry has
	// passed is normalized here and does not block the new grant.
	now := requestcontext.Now(ctx)
	for _, id := range m.byClient[c.ClientID] {
		existing := m.byID[id]
		if existing.TrainerID != c.TrainerID {
			continue
		}
		m.normalizeLocked(existing, now)
		if existing.Status == domain.StatusActive {
			return sentinel.ErrConflict
		}
	}

	stored := c.Clone()
	m.byID[stored.ID] = stored
	m.byClient[stored.ClientID] = append(m.byClient[stored.ClientID], stored.ID)
	return nil
}

func (m *Memory) Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	m.normalizeLocked(c, requestcontext.Now(ctx))
	return c.Clone(), nil
}

func (m *Memory) ListForClient(ctx context.Context, clientID domain.ClientID) ([]*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := requestcontext.Now(ctx)
	out := make([]*consent.Consent, 0, len(m.byClient[clientID]))
	for _, id := range m.byClient[clientID] {
		c := m.byID[id]
		m.normalizeLocked(c, now)
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m *Memory) ListActiveForTrainer(ctx context.Context, trainerID domain.TrainerID) ([]*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := requestcontext.Now(ctx)
	var out []*consent.Consent
	for _, c := range m.byID {
		if c.TrainerID != trainerID {
			continue
		}
		m.normalizeLocked(c, now)
		if c.Status == domain.StatusActive {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindByPair(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.latestForPairLocked(trainerID, clientID)
	if c == nil {
		return nil, sentinel.ErrNotFound
	}
	m.normalizeLocked(c, requestcontext.Now(ctx))
	return c.Clone(), nil
}

func (m *Memory) GetActive(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := requestcontext.Now(ctx)
	for _, id := range m.byClient[clientID] {
		c := m.byID[id]
		if c.TrainerID != trainerID {
			continue
		}
		m.normalizeLocked(c, now)
		if c.Status == domain.StatusActive {
			return c.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (m *Memory) Update(_ context.Context, c *consent.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[c.ID]; !ok {
		return sentinel.ErrNotFound
	}
	m.byID[c.ID] = c.Clone()
	return nil
}

// latestForPairLocked returns the most recently created record for the pair.
func (m *Memory) latestForPairLocked(trainerID domain.TrainerID, clientID domain.ClientID) *consent.Consent {
	var latest *consent.Consent
	for _, id := range m.byClient[clientID] {
		c := m.byID[id]
		if c.TrainerID != trainerID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

// normalizeLocked applies the lazy expiry transition in place. Idempotent:
// already-terminal records are left untouched, so UpdatedAt is stable after
// the first flip.
func (m *Memory) normalizeLocked(c *consent.Consent, now time.Time) {
	if !c.TimeExpired(now) {
		return
	}
	c.Status = domain.StatusExpired
	c.UpdatedAt = now
	if m.onLazyExpiry != nil {
		m.onLazyExpiry()
	}
}
