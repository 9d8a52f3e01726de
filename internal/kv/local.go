package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type counter struct {
	value     int64
	expiresAt time.Time
}

// LocalStore is the in-process fallback used when Redis is not configured.
// Lists keep the head at index 0 so LPush/RPop behave as a FIFO.
type LocalStore struct {
	mu       sync.Mutex
	lists    map[string][]string
	hashes   map[string]map[string]string
	counters map[string]counter
	zsets    map[string]map[string]float64
	signals  map[string]chan struct{}
	now      func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
		counters: make(map[string]counter),
		zsets:    make(map[string]map[string]float64),
		signals:  make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for counter expiry.
func (s *LocalStore) WithClock(now func() time.Time) *LocalStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *LocalStore) LPush(_ context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	head := make([]string, 0, len(list)+len(values))
	for i := len(values) - 1; i >= 0; i-- {
		head = append(head, values[i])
	}
	s.lists[key] = append(head, list...)

	if signal, ok := s.signals[key]; ok {
		close(signal)
		delete(s.signals, key)
	}
	return nil
}

func (s *LocalStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if value, ok := s.popTailLocked(key); ok {
			s.mu.Unlock()
			return value, nil
		}
		signal, ok := s.signals[key]
		if !ok {
			signal = make(chan struct{})
			s.signals[key] = signal
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrNil
		case <-signal:
		}
	}
}

func (s *LocalStore) RPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.popTailLocked(key); ok {
		return value, nil
	}
	return "", ErrNil
}

func (s *LocalStore) popTailLocked(key string) (string, bool) {
	list := s.lists[key]
	if len(list) == 0 {
		return "", false
	}
	value := list[len(list)-1]
	s.lists[key] = list[:len(list)-1]
	return value, true
}

func (s *LocalStore) LRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...), nil
}

func (s *LocalStore) LRem(_ context.Context, key string, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	kept := list[:0]
	var removed int64
	for _, item := range list {
		if item == value {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	s.lists[key] = kept
	return removed, nil
}

func (s *LocalStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *LocalStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

func (s *LocalStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNil
	}
	return value, nil
}

func (s *LocalStore) HDel(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes[key], field)
	return nil
}

func (s *LocalStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(s.hashes[key]))
	for field, value := range s.hashes[key] {
		values[field] = value
	}
	return values, nil
}

func (s *LocalStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.counters[key]
	if !ok || !now.Before(current.expiresAt) {
		current = counter{expiresAt: now.Add(ttl)}
	}
	current.value++
	s.counters[key] = current
	return current.value, nil
}

func (s *LocalStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.counters[key]
	if !ok || !s.now().Before(current.expiresAt) {
		return 0, ErrNil
	}
	return current.value, nil
}

func (s *LocalStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *LocalStore) ZRangeByScore(_ context.Context, key string, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(s.zsets[key]))
	for member, score := range s.zsets[key] {
		if score <= max {
			entries = append(entries, entry{member: member, score: score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].member < entries[j].member
		}
		return entries[i].score < entries[j].score
	})
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}

	members := make([]string, 0, len(entries))
	for _, item := range entries {
		members = append(members, item.member)
	}
	return members, nil
}

func (s *LocalStore) ZRem(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zsets[key], member)
	return nil
}
