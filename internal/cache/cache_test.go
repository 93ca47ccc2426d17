package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[string, int]()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	calls := 0
	compute := func() int { calls++; return 7 }
	assert.Equal(t, 7, c.GetOrCompute("b", compute))
	assert.Equal(t, 7, c.GetOrCompute("b", compute))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, c.Size())
}

func TestMapCache_Concurrent(t *testing.T) {
	c := NewMapCache[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.GetOrCompute(i%4, func() int { return i % 4 })
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Size())
}
