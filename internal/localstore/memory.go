// Package localstore provides the client-local key-value stores that stand in for
// a browser's localStorage: the device fingerprint cache and the tab registry.
package localstore

import (
	"sync"

	"kioskqueue/pkg/interfaces"
)

var (
	_ interfaces.LocalStore = (*Memory)(nil)
	_ interfaces.LocalStore = (*File)(nil)
)

// Memory is an in-process LocalStore. Tabs sharing one Memory behave like tabs of
// one browser profile.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Update(key string, fn func(value string, ok bool) (string, bool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	next, keep := fn(v, ok)
	if keep {
		m.values[key] = next
	} else {
		delete(m.values, key)
	}
	return nil
}
