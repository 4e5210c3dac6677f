package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen []int

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
}

func TestWorkerPool_RecoversPanicsAndContinues(t *testing.T) {
	pool := NewWorkerPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	var ranSecond bool

	pool.Submit(func() {
		defer wg.Done()
		panic("boom")
	})
	pool.Submit(func() {
		defer wg.Done()
		ranSecond = true
	})

	wg.Wait()
	assert.True(t, ranSecond)
}

func TestWorkerPool_DropsTasksWhenQueueFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	block := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Submit(func() { <-block })
	time.Sleep(10 * time.Millisecond) // let the worker pick up the blocking task

	pool.Submit(func() {}) // fills the 1-slot queue
	pool.Submit(func() {}) // must be dropped

	close(block)
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, pool.Dropped(), int64(1))
}
