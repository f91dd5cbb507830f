package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is a single-process Store and Bus. It backs deployments
// without redis and doubles as the shared store in tests, where several
// hubs can share one instance to act as separate processes.
type MemoryStore struct {
	// mu serializes read-modify-write operations
	mu    sync.Mutex
	items *cache.Cache

	subsLock sync.RWMutex
	subs     map[string]map[chan []byte]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: cache.New(cache.NoExpiration, time.Minute),
		subs:  make(map[string]map[chan []byte]struct{}),
	}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := s.items.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	str, ok := v.(string)
	if !ok {
		return "", ErrWrongType
	}
	return str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.items.Set(key, value, expiration(ttl))
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exp, found := s.items.GetWithExpiration(key)
	if !found {
		s.items.Set(key, "1", cache.NoExpiration)
		return 1, nil
	}

	str, ok := v.(string)
	if !ok {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, err
	}
	n++

	ttl := cache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
	}
	s.items.Set(key, strconv.FormatInt(n, 10), ttl)
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.items.Get(key)
	if !found {
		return ErrNotFound
	}
	s.items.Set(key, v, expiration(ttl))
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.items.Delete(k)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	for k := range s.items.Items() {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// HSet replaces the stored map rather than mutating it, so maps handed out
// by HGetAll stay stable.
func (s *MemoryStore) HSet(_ context.Context, key, field, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.hash(key)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(h)+1)
	for k, v := range h {
		next[k] = v
	}
	next[field] = value
	s.items.Set(key, next, expiration(ttl))
	return nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exp, found := s.items.GetWithExpiration(key)
	if !found {
		return nil
	}
	cur, ok := h.(map[string]string)
	if !ok {
		return ErrWrongType
	}

	next := make(map[string]string, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	for _, f := range fields {
		delete(next, f)
	}
	if len(next) == 0 {
		s.items.Delete(key)
		return nil
	}

	ttl := cache.NoExpiration
	if !exp.IsZero() {
		ttl = time.Until(exp)
	}
	s.items.Set(key, next, ttl)
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.hash(key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// hash returns the map at key, nil when missing. Callers hold s.mu.
func (s *MemoryStore) hash(key string) (map[string]string, error) {
	v, found := s.items.Get(key)
	if !found {
		return nil, nil
	}
	h, ok := v.(map[string]string)
	if !ok {
		return nil, ErrWrongType
	}
	return h, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Publish delivers to every subscriber without blocking; a subscriber with a
// full buffer misses the payload.
func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	for ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 256)

	s.subsLock.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[chan []byte]struct{})
	}
	s.subs[channel][ch] = struct{}{}
	s.subsLock.Unlock()

	go func() {
		<-ctx.Done()
		s.subsLock.Lock()
		delete(s.subs[channel], ch)
		close(ch)
		s.subsLock.Unlock()
	}()

	return ch, nil
}

func (s *MemoryStore) Close() error {
	s.items.Flush()
	return nil
}
