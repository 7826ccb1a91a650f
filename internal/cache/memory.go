package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/maneesh/pkgrepo/internal/clock"
)

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, entries: map[string]entry{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !s.clock.Now().Before(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// DeletePattern matches with path.Match, which agrees with Redis globs for keys without '/'.
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return n, err
		}
		if ok {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}
