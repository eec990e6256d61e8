package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionResolvesOnce(t *testing.T) {
	for i := 0; i < 100; i++ {
		c := NewCompletion[int]()
		type seen struct {
			v   int
			err error
		}
		observed := make(chan seen, 4)
		for j := 0; j < 2; j++ {
			c.OnComplete(func(v int, err error) { observed <- seen{v, err} })
		}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				var won bool
				if j%2 == 0 {
					won = c.Succeed(j)
				} else {
					won = c.Fail(errors.New("boom"))
				}
				if won {
					wins.Add(1)
				}
			}(j)
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
		assert.NotEqual(t, Pending, c.State())

		c.OnComplete(func(v int, err error) { observed <- seen{v, err} })
		v, err, done := c.Result()
		require.True(t, done)
		require.Len(t, observed, 3, "every continuation runs exactly once")
		for k := 0; k < 3; k++ {
			got := <-observed
			assert.Equal(t, v, got.v)
			assert.Equal(t, err, got.err)
		}
	}
}

func TestCompletionContinuationOrder(t *testing.T) {
	c := NewCompletion[string]()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		c.OnComplete(func(string, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	c.Succeed("ok")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestCompletionAttachAfterResolve(t *testing.T) {
	c := Resolved(7)
	var got int
	c.OnComplete(func(v int, err error) {
		require.NoError(t, err)
		got = v
	})
	assert.Equal(t, 7, got)
}

func TestCompletionContinuationAttachedDuringDrain(t *testing.T) {
	c := NewCompletion[int]()
	var order []string
	c.OnComplete(func(int, error) {
		order = append(order, "first")
		c.OnComplete(func(int, error) { order = append(order, "nested") })
	})
	c.OnComplete(func(int, error) { order = append(order, "second") })
	c.Succeed(1)
	assert.Equal(t, []string{"first", "second", "nested"}, order)
}

func TestCompletionFailNil(t *testing.T) {
	c := NewCompletion[int]()
	c.Fail(nil)
	_, err, done := c.Result()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrNilFailure)
}

func TestCompletionAwait(t *testing.T) {
	c := NewCompletion[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Succeed(3)
	}()
	v, err := c.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	pending := NewCompletion[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, pending.State())
}

func TestMapAndForward(t *testing.T) {
	src := NewCompletion[int]()
	doubled := Map(src, func(v int) (int, error) { return v * 2, nil })
	dst := NewCompletion[int]()
	Forward(doubled, dst)
	src.Succeed(21)
	v, err, done := dst.Result()
	require.True(t, done)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failed := Map(Rejected[int](errors.New("nope")), func(v int) (string, error) { return "", nil })
	_, err, _ = failed.Result()
	assert.EqualError(t, err, "nope")
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(3)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Execute(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(50), n.Load())

	ran := false
	p.Execute(func() { ran = true })
	assert.True(t, ran, "tasks after Stop run on the caller")
}
