package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryData struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// MemoryStore keeps everything in process memory. Sub views share the data.
type MemoryStore struct {
	data      *memoryData
	namespace string
	err       error
}

// NewMemoryStore creates an empty root store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{namespaces: make(map[string]map[string][]byte)}}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(key); err != nil {
		return nil, err
	}
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()

	v, ok := m.data.namespaces[m.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := m.check(key); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	ns, ok := m.data.namespaces[m.namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data.namespaces[m.namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := m.check(key); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()

	delete(m.data.namespaces[m.namespace], key)
	return nil
}

func (m *MemoryStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	if m.err != nil {
		return m.err
	}
	m.data.mu.RLock()
	ns := m.data.namespaces[m.namespace]
	keys := make([]string, 0, len(ns))
	snapshot := make(map[string][]byte, len(ns))
	for k, v := range ns {
		keys = append(keys, k)
		snapshot[k] = append([]byte(nil), v...)
	}
	m.data.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Sub(name string) Store {
	sub := &MemoryStore{data: m.data, namespace: joinNamespace(m.namespace, name), err: m.err}
	if sub.err == nil {
		sub.err = validateName("namespace", name)
	}
	return sub
}

func (m *MemoryStore) check(key string) error {
	if m.err != nil {
		return m.err
	}
	return validateName("key", key)
}
