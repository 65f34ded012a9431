// Package memory is an in-process KVRepository used by tests and embedders.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/and161185/draft-keeper/internal/errs"
)

// KV is a map-backed KVRepository with an optional byte quota.
type KV struct {
	mu       sync.RWMutex
	data     map[string][]byte
	used     int
	maxBytes int // 0 means unlimited
}

// New constructs an empty store. maxBytes <= 0 disables the quota.
func New(maxBytes int) *KV {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &KV{data: make(map[string][]byte), maxBytes: maxBytes}
}

// Get implements repository.KVRepository.
func (m *KV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements repository.KVRepository.
func (m *KV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.used + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		used -= len(key) + len(old)
	}
	if m.maxBytes > 0 && used > m.maxBytes {
		return errs.ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

// Delete implements repository.KVRepository.
func (m *KV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// Keys implements repository.KVRepository.
func (m *KV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored keys.
func (m *KV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
