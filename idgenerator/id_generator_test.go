package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("returns non-nil generator", func(t *testing.T) {
		gen := NewIdGenerator(0)
		require.NotNil(t, gen)
	})

	t.Run("first Id returns startValue+1", func(t *testing.T) {
		assert.Equal(t, uint32(1), NewIdGenerator(0).Id())
		assert.Equal(t, uint32(101), NewIdGenerator(100).Id())
	})

	t.Run("zero is skipped on overflow", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0))
		assert.Equal(t, uint32(1), gen.Id())
	})
}

func TestIdGenerator_Id_sequential(t *testing.T) {
	gen := NewIdGenerator(0)
	seen := make(map[uint32]bool)
	for want := uint32(1); want <= 100; want++ {
		got := gen.Id()
		assert.Equal(t, want, got)
		assert.False(t, seen[got], "duplicate id %d", got)
		seen[got] = true
	}
}

func TestIdGenerator_Id_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500
	ids := make([]uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Id()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, id := range ids {
		assert.NotZero(t, id)
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestNewRecyclingIdGenerator(t *testing.T) {
	t.Run("skips ids still in use", func(t *testing.T) {
		held := map[uint32]bool{2: true, 3: true}
		gen := NewRecyclingIdGenerator(0, func(id uint32) bool { return held[id] })

		assert.Equal(t, uint32(1), gen.Id())
		assert.Equal(t, uint32(4), gen.Id())
	})

	t.Run("released ids are reused after wrap", func(t *testing.T) {
		held := map[uint32]bool{1: true}
		gen := NewRecyclingIdGenerator(^uint32(0)-1, func(id uint32) bool { return held[id] })

		assert.Equal(t, ^uint32(0), gen.Id())
		// 0 is reserved and 1 is held
		assert.Equal(t, uint32(2), gen.Id())
	})

	t.Run("nil in-use func behaves like plain generator", func(t *testing.T) {
		gen := NewRecyclingIdGenerator(5, nil)
		assert.Equal(t, uint32(6), gen.Id())
	})
}
