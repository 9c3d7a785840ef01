// Package idgenerator allocates non-zero uint32 identifiers for correlation
// ids and subscription handles. Zero is reserved to mean "no id" on the wire.
package idgenerator

import "sync/atomic"

// InUseFunc reports whether an id is still held by its owner and must not be
// handed out again yet.
type InUseFunc func(id uint32) bool

// IdGenerator generates uint32 IDs in a concurrency-safe manner. The counter
// wraps around on overflow; zero is never returned, and ids reported as in
// use by the optional InUseFunc are skipped so that an id is only recycled
// after its previous owner released it.
type IdGenerator struct {
	id    atomic.Uint32
	inUse InUseFunc
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1
// (or 1 if that would be zero).
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// NewRecyclingIdGenerator creates an IdGenerator that consults inUse before
// returning an id. Ids for which inUse returns true are skipped.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//   - inUse: Reports ids that are still outstanding; may be nil
//
// Returns:
//   - A new IdGenerator instance
func NewRecyclingIdGenerator(startValue uint32, inUse InUseFunc) *IdGenerator {
	gen := NewIdGenerator(startValue)
	gen.inUse = inUse
	return gen
}

// Id returns the next free ID. It is safe for concurrent use by multiple
// goroutines. If every non-zero id is in use Id spins through the whole
// space once and then returns the next id regardless; callers holding four
// billion outstanding ids have bigger problems.
//
// Returns:
//   - The next non-zero uint32 ID
func (l *IdGenerator) Id() uint32 {
	var last uint32
	for i := uint64(0); i <= uint64(^uint32(0)); i++ {
		id := l.id.Add(1)
		if id == 0 {
			continue
		}

		last = id
		if l.inUse == nil || !l.inUse(id) {
			return id
		}
	}

	return last
}
