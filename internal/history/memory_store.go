package history

import (
	"context"
	"sort"
	"sync"

	"github.com/sendguard/sendguard/internal/pagination"
)

// MemoryStore is an in-memory activity store for demo/development mode.
type MemoryStore struct {
	entries map[string]*Entry
	order   []string // insertion order, oldest first
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) ListByPrincipal(ctx context.Context, principal string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		entry := m.entries[m.order[i]]
		if entry.Principal != principal {
			continue
		}
		if cursor != nil && !beforeCursor(entry, cursor) {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	// Newest first, ties broken by ID to keep cursor order stable.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// beforeCursor reports whether the entry sorts strictly after the cursor
// position in the newest-first order.
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}
