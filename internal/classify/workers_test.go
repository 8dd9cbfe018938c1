package classify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedWorkersPerKeyOrder(t *testing.T) {
	w := newKeyedWorkers()

	var mu sync.Mutex
	got := map[string][]int{}
	keys := []string{"a", "b", "c"}
	for i := 0; i < 100; i++ {
		for _, key := range keys {
			key, i := key, i
			require.True(t, w.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	w.Close()

	for _, key := range keys {
		require.Len(t, got[key], 100, "key %s", key)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order at %d", key, i)
		}
	}
}

func TestKeyedWorkersKeysRunInParallel(t *testing.T) {
	w := newKeyedWorkers()
	defer w.Close()

	gate := make(chan struct{})
	done := make(chan struct{})
	require.True(t, w.Submit("a", func() {
		select {
		case <-gate:
			close(done)
		case <-time.After(5 * time.Second):
		}
	}))
	require.True(t, w.Submit("b", func() { close(gate) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("keys did not run concurrently")
	}
}

func TestKeyedWorkersCloseDrains(t *testing.T) {
	w := newKeyedWorkers()

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 50; i++ {
		require.True(t, w.Submit("k", func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}
	w.Close()
	assert.Equal(t, 50, ran, "Close must wait for queued jobs")

	assert.False(t, w.Submit("k", func() {}), "submits after Close are rejected")
}

func TestKeyedWorkersFullQueueRejects(t *testing.T) {
	w := newKeyedWorkers()
	defer w.Close()

	block := make(chan struct{})
	defer close(block)
	require.True(t, w.Submit("k", func() { <-block }))

	// The worker is stuck on the first job; fill the buffer behind it.
	filled := 0
	for i := 0; i < workerQueueCap+10; i++ {
		if w.Submit("k", func() {}) {
			filled++
		}
	}
	assert.LessOrEqual(t, filled, workerQueueCap)
	assert.Greater(t, filled, 0)
}
