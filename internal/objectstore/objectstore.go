// Package objectstore abstracts artifact storage for generated images.
package objectstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store uploads generated artifacts and downloads reference inputs.
type Store interface {
	// Upload stores data under path and returns a publicly resolvable URL.
	Upload(ctx context.Context, data []byte, path, contentType string) (string, error)
	// Download fetches the object a URL points at.
	Download(ctx context.Context, url string) ([]byte, error)
}

// Memory is an in-memory store for tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Upload(_ context.Context, data []byte, path, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	url := "mem://" + path
	m.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (m *Memory) Download(_ context.Context, url string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[url]
	if !ok {
		return nil, fmt.Errorf("object %s not found", url)
	}
	return append([]byte(nil), data...), nil
}

// URLs lists stored object URLs. Test helper.
func (m *Memory) URLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	urls := make([]string, 0, len(m.objects))
	for url := range m.objects {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}
