package credential

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory credential store. Credentials are copied
// on the way in and out so callers never share mutable state with the
// store.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Credential
	bySecret  map[string]string
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Credential),
		bySecret: make(map[string]string),
	}
}

// Add implements Store.
func (m *MemoryStore) Add(ctx context.Context, creds ...*Credential) ([]*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	added := make([]*Credential, 0, len(creds))
	for _, c := range creds {
		if c == nil || c.Secret == "" {
			continue
		}
		if _, exists := m.bySecret[c.Secret]; exists {
			continue
		}
		cp := c.Clone()
		m.byID[cp.ID] = cp
		m.bySecret[cp.Secret] = cp.ID
		added = append(added, cp.Clone())
	}
	m.updatedAt = time.Now().UTC()

	return added, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// List implements Store. Results are ordered by creation time so pages
// are stable across calls.
func (m *MemoryStore) List(ctx context.Context) ([]*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Credential, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// ListByStatus implements Store.
func (m *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credential
	for _, c := range m.byID {
		if c.Status == status {
			out = append(out, c.Clone())
		}
	}

	return out, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := c.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now().UTC()

	if cp.Secret != c.Secret {
		delete(m.bySecret, c.Secret)
		m.bySecret[cp.Secret] = id
	}
	m.byID[id] = cp
	m.updatedAt = cp.UpdatedAt

	return cp.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, ids ...string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		c, ok := m.byID[id]
		if !ok {
			continue
		}
		delete(m.byID, id)
		delete(m.bySecret, c.Secret)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		m.updatedAt = time.Now().UTC()
	}

	return removed, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{TakenAt: time.Now().UTC()}
	for _, c := range m.byID {
		switch c.Status {
		case StatusActive:
			stats.Active++
		case StatusExhausted:
			stats.Exhausted++
		case StatusError:
			stats.Error++
		}
		stats.Total++
	}

	return stats, nil
}
