package cache

import (
	"context"
	"sync"
)

// Memory is an in-process Cache. It is the default for library use and for
// the one-shot CLI, where results only need to live for a single invocation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]interface{}
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[string]interface{})}
}

func (m *Memory) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results, ok := m.entries[key]
	return results, ok, nil
}

func (m *Memory) Set(ctx context.Context, key string, results map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = results
	return nil
}
