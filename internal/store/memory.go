package store

import (
	"sort"
	"strings"
	"sync"

	"loomcrypt/internal/domain"
)

// MemBackend is an in-memory Backend for tests and ephemeral use. It
// mirrors the bbolt backend's transactional behaviour: a failed
// transaction leaves the map untouched.
type MemBackend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{records: make(map[string][]byte)}
}

func (m *MemBackend) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemBackend) Save(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

type memTx struct {
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *memTx) Save(key string, value []byte) error {
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Delete(key string) error {
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
	return nil
}

// Transaction stages writes in an overlay and commits them only when fn
// succeeds.
func (m *MemBackend) Transaction(fn func(tx domain.BackendTx) error) error {
	tx := &memTx{writes: make(map[string][]byte), deletes: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range tx.writes {
		m.records[k] = v
	}
	for k := range tx.deletes {
		delete(m.records, k)
	}
	return nil
}

func (m *MemBackend) Scan(prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		v, ok, err := m.Get(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemBackend) Close() error { return nil }

var _ domain.Backend = (*MemBackend)(nil)
