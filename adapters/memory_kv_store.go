package adapters

import "sync"

// MemoryKeyValueStore keeps values in process memory only.
// Useful for tests and for clients that should not persist identity.
type MemoryKeyValueStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ KeyValueStore = (*MemoryKeyValueStore)(nil)

// NewMemoryKeyValueStore creates an empty MemoryKeyValueStore.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{values: make(map[string]string)}
}

func (m *MemoryKeyValueStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKeyValueStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryKeyValueStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryKeyValueStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}
