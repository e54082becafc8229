package workerpool_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sbcm-osx/sheepdog/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsTasks(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 4}, zap.NewNop())
	defer p.Stop(time.Second)

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, 50, count)
	_, completed, failed := p.Stats()
	assert.Equal(t, uint64(50), completed)
	assert.Zero(t, failed)
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "event", Workers: 1}, zap.NewNop())
	defer p.Stop(time.Second)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	wg.Wait()

	for i, got := range order {
		assert.Equal(t, i, got, "a single worker applies tasks in submission order")
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 1}, zap.NewNop())
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	}))
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer wg.Done()
		return nil
	}))
	wg.Wait()

	_, completed, failed := p.Stats()
	assert.Equal(t, uint64(1), completed)
	assert.Equal(t, uint64(1), failed)
}

func TestSubmitAfterStop(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 1}, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestFailedTaskCounted(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 1}, zap.NewNop())
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		defer wg.Done()
		return fmt.Errorf("task error")
	}))
	wg.Wait()

	_, _, failed := p.Stats()
	assert.Equal(t, uint64(1), failed)
}
