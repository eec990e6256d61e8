package reactor

import (
	"context"
	"sync"
)

// State is the lifecycle position of a Completion.
type State int32

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Completion is a single-resolution future. It moves from Pending to Succeeded or Failed
// exactly once; the first writer wins and later attempts report false.
//
// Continuations attached with OnComplete run once each, in the order they were attached,
// after the terminal state is reached. Attaching to an already resolved completion runs
// the continuation rather than dropping it.
type Completion[T any] struct {
	mu       sync.Mutex
	state    State
	value    T
	err      error
	done     chan struct{}
	queue    []func(T, error)
	draining bool
}

func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolved returns an already succeeded completion.
func Resolved[T any](v T) *Completion[T] {
	c := NewCompletion[T]()
	c.Succeed(v)
	return c
}

// Rejected returns an already failed completion.
func Rejected[T any](err error) *Completion[T] {
	c := NewCompletion[T]()
	c.Fail(err)
	return c
}

// Succeed resolves the completion with v. It reports whether this call won.
func (c *Completion[T]) Succeed(v T) bool {
	return c.resolve(Succeeded, v, nil)
}

// Fail resolves the completion with err. A nil err is replaced by ErrNilFailure.
func (c *Completion[T]) Fail(err error) bool {
	if err == nil {
		err = ErrNilFailure
	}
	var zero T
	return c.resolve(Failed, zero, err)
}

func (c *Completion[T]) resolve(state State, v T, err error) bool {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.value = v
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.drain()
	return true
}

// OnComplete attaches a continuation.
func (c *Completion[T]) OnComplete(fn func(T, error)) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	resolved := c.state != Pending
	c.mu.Unlock()
	if resolved {
		c.drain()
	}
}

// drain runs queued continuations. Only one goroutine drains at a time, which keeps
// attach order even when continuations are attached while others are still running.
func (c *Completion[T]) drain() {
	c.mu.Lock()
	if c.draining || c.state == Pending {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		batch := c.queue
		c.queue = nil
		v, err := c.value, c.err
		c.mu.Unlock()
		for _, fn := range batch {
			fn(v, err)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// Done is closed once the completion is resolved.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

func (c *Completion[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the outcome and whether the completion is resolved.
func (c *Completion[T]) Result() (T, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.state != Pending
}

// Await blocks until the completion resolves or ctx ends. Abandoning the wait does not
// affect the completion.
func (c *Completion[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		v, err, _ := c.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Map derives a completion that resolves with fn applied to c's value. Failures pass through.
func Map[T, U any](c *Completion[T], fn func(T) (U, error)) *Completion[U] {
	out := NewCompletion[U]()
	c.OnComplete(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.Fail(err)
			return
		}
		out.Succeed(u)
	})
	return out
}

// Forward resolves dst with src's outcome.
func Forward[T any](src, dst *Completion[T]) {
	src.OnComplete(func(v T, err error) {
		if err != nil {
			dst.Fail(err)
			return
		}
		dst.Succeed(v)
	})
}
