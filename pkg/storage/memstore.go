package storage

import (
	"fmt"
	"sync"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
)

// MemStore is an in-memory Store implementation guarded by a single
// RWMutex, intended for unit tests and the --backend inmemory CLI flag.
// It makes no ordering guarantees beyond what the map/slice types
// naturally provide.
type MemStore struct {
	mu         sync.RWMutex
	entries    map[entry.ID]entry.Entry
	dbEntries  map[entry.ID][]entry.ID
	dbTips     map[entry.ID][]entry.ID
	storeTips  map[entry.ID]map[string][]entry.ID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries:   make(map[entry.ID]entry.Entry),
		dbEntries: make(map[entry.ID][]entry.ID),
		dbTips:    make(map[entry.ID][]entry.ID),
		storeTips: make(map[entry.ID]map[string][]entry.ID),
	}
}

// Put persists e in memory, idempotently. Unless DeferValidation is
// set, every parent referenced by e (main DAG and per-store) must
// already be stored (I2).
func (m *MemStore) Put(e entry.Entry, opts ...PutOption) error {
	o := resolvePutOptions(opts)

	id, err := entry.Identifier(e)
	if err != nil {
		return fmt.Errorf("storage: compute identifier: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[id]; exists {
		return nil
	}

	if !o.deferValidation {
		for _, p := range e.Parents {
			if _, ok := m.entries[p]; !ok {
				return eerr.New(eerr.KindParentMissing, fmt.Sprintf("parent not stored: %s", p))
			}
		}
		for _, sn := range e.Stores {
			for _, p := range sn.Parents {
				if _, ok := m.entries[p]; !ok {
					return eerr.New(eerr.KindParentMissing, fmt.Sprintf("store %s parent not stored: %s", sn.Name, p))
				}
			}
		}
	}

	m.entries[id] = e

	m.dbTips[e.Root] = appendUnique(removeAll(m.dbTips[e.Root], e.Parents), id)
	m.dbEntries[e.Root] = appendUnique(m.dbEntries[e.Root], id)

	if m.storeTips[e.Root] == nil {
		m.storeTips[e.Root] = make(map[string][]entry.ID)
	}
	for _, sn := range e.Stores {
		cur := m.storeTips[e.Root][sn.Name]
		m.storeTips[e.Root][sn.Name] = appendUnique(removeAll(cur, sn.Parents), id)
	}

	return nil
}

// Get fetches a single entry by ID.
func (m *MemStore) Get(id entry.ID) (entry.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return entry.Entry{}, eerr.New(eerr.KindEntryNotFound, fmt.Sprintf("entry not found: %s", id))
	}
	return e, nil
}

// ListDatabaseEntries returns every entry ID reachable from root.
func (m *MemStore) ListDatabaseEntries(root entry.ID) ([]entry.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entry.ID, len(m.dbEntries[root]))
	copy(out, m.dbEntries[root])
	return out, nil
}

// ListDatabases returns the root ID of every known database.
func (m *MemStore) ListDatabases() ([]entry.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roots := make([]entry.ID, 0, len(m.dbEntries))
	for root := range m.dbEntries {
		roots = append(roots, root)
	}
	return roots, nil
}

// Tips returns the current DAG-level tips of the database rooted at root.
func (m *MemStore) Tips(root entry.ID) ([]entry.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entry.ID, len(m.dbTips[root]))
	copy(out, m.dbTips[root])
	return out, nil
}

// StoreTips returns the current tips of a single named store.
func (m *MemStore) StoreTips(root entry.ID, store string) ([]entry.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entry.ID, len(m.storeTips[root][store]))
	copy(out, m.storeTips[root][store])
	return out, nil
}

// Close is a no-op for MemStore.
func (m *MemStore) Close() error {
	return nil
}
