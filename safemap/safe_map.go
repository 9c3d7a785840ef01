// Package safemap provides a type-safe, concurrent map built on sync.Map.
// Beyond plain storage it exposes the atomic take operations (LoadAndDelete,
// LoadOrStore, Drain) that let several goroutines race to complete the same
// entry with exactly one winner.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// It wraps sync.Map and exposes a generic, type-safe API.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns a new empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k and whether it was present.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it. The loaded result is true if the value was
// already present.
//
// Parameters:
//   - k: The key to look up or insert
//   - v: The value to store when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if k was already present (v was not stored)
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// LoadAndDelete removes k and returns the value it held. Of several
// goroutines calling LoadAndDelete for the same key, exactly one observes
// loaded == true.
//
// Parameters:
//   - k: The key to take
//
// Returns:
//   - The removed value, or the zero value if absent
//   - true if this call removed the entry
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// CompareAndDelete removes k only if it currently maps to old. V must be a
// comparable type (pointers are the usual choice) or the call panics.
//
// Parameters:
//   - k: The key to remove
//   - old: The value k must still hold
//
// Returns:
//   - true if the entry was removed by this call
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Delete removes the entry for key k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each key and value present in the map until f returns
// false. Entries added or removed concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Drain removes every entry and returns the values it removed. Entries
// removed concurrently by LoadAndDelete are not returned, so each value is
// handed to exactly one taker.
//
// Returns:
//   - The values this call removed, in no particular order
func (m *SafeMap[K, V]) Drain() []V {
	var out []V
	m.m.Range(func(k, _ any) bool {
		if v, loaded := m.m.LoadAndDelete(k); loaded {
			out = append(out, v.(V))
		}

		return true
	})

	return out
}

// Len returns the number of entries. It is O(n).
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ any) bool {
		length++
		return true
	})

	return length
}
