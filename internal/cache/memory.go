package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache used in tests and when no external cache
// is configured. Streams keep the newest entry at index 0 to match the
// Redis implementation.
type Memory struct {
	mu      sync.Mutex
	values  map[string]entry
	streams map[string][][]byte
	now     func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]entry),
		streams: make(map[string][][]byte),
		now:     time.Now,
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Append(_ context.Context, streamKey string, value []byte, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := append([][]byte{append([]byte(nil), value...)}, m.streams[streamKey]...)
	if maxLen > 0 && len(stream) > maxLen {
		stream = stream[:maxLen]
	}
	m.streams[streamKey] = stream
	return nil
}

func (m *Memory) ReadRecent(_ context.Context, streamKey string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[streamKey]
	if !ok {
		return nil, nil
	}
	if n > len(stream) {
		n = len(stream)
	}

	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), stream[i]...)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
