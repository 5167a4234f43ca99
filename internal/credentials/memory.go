package credentials

import (
	"context"
	"sync"
)

// MemoryBackend keeps durable entries for the lifetime of the process only.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[Key]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[Key]string)}
}

func (b *MemoryBackend) Load(_ context.Context, k Key) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw, ok := b.entries[k]
	if !ok {
		return "", ErrNotFound
	}
	return pw, nil
}

func (b *MemoryBackend) Save(_ context.Context, k Key, password string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[k] = password
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, k Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, k)
	return nil
}

// Len returns the number of stored entries.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
