package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSubmitRunsTasksConcurrently(t *testing.T) {
	pool, err := New(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 20, seen)
}

func TestSubmitFallsBackInlineAfterRelease(t *testing.T) {
	pool, err := New(Config{Size: 1, ExpiryDuration: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	pool.Release()

	ran := false
	pool.Submit(func() { ran = true })
	assert.True(t, ran)
}
