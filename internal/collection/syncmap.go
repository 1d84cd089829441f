// Package collection provides small typed concurrency-safe containers.
package collection

import "sync"

// SyncMap is a mutex-guarded generic map.
type SyncMap[K comparable, V any] struct {
	mux sync.RWMutex
	m   map[K]V
}

// Get returns the value for key and whether it was present.
func (s *SyncMap[K, V]) Get(key K) (V, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Put stores value under key.
func (s *SyncMap[K, V]) Put(key K, value V) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.m[key] = value
}

// Delete removes key.
func (s *SyncMap[K, V]) Delete(key K) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.m, key)
}

// Size returns the number of entries.
func (s *SyncMap[K, V]) Size() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.m)
}

// Range calls f for each entry until f returns false. It iterates over a
// snapshot so f may mutate the map.
func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.mux.RLock()
	snapshot := make(map[K]V, len(s.m))
	for k, v := range s.m {
		snapshot[k] = v
	}
	s.mux.RUnlock()
	for k, v := range snapshot {
		if !f(k, v) {
			return
		}
	}
}

// Clear removes all entries.
func (s *SyncMap[K, V]) Clear() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.m = make(map[K]V)
}

// NewSyncMap creates an empty SyncMap.
func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{m: make(map[K]V)}
}
