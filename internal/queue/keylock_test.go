package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	counters := map[string]int{"a": 0, "b": 0}
	var cmu sync.Mutex
	inside := map[string]int{}
	maxInside := 0

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := km.Lock(key)
				defer unlock()

				cmu.Lock()
				inside[key]++
				if inside[key] > maxInside {
					maxInside = inside[key]
				}
				counters[key]++
				cmu.Unlock()

				cmu.Lock()
				inside[key]--
				cmu.Unlock()
			}(key)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 50, counters["a"])
	assert.Equal(t, 50, counters["b"])
	assert.Zero(t, km.size(), "unused entries are released")
}
