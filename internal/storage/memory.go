package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBackend keeps documents in process memory only.
type MemoryBackend struct {
	mu    sync.Mutex
	docs  map[string]json.RawMessage
	saves int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]json.RawMessage{}}
}

func (m *MemoryBackend) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDocs(m.docs), nil
}

func (m *MemoryBackend) Save(ctx context.Context, changed string, all map[string]json.RawMessage) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if raw, ok := all[changed]; ok {
		m.docs[changed] = append(json.RawMessage(nil), raw...)
	} else {
		delete(m.docs, changed)
	}
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }

func cloneDocs(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
