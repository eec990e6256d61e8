package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryRegistry is an in-process registry for tests and single-process deployments.
// TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]DriverInstance // kind -> addr -> instance
	watchers  map[string][]chan []DriverInstance
	closed    bool
	done      chan struct{}
}

func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]DriverInstance),
		watchers:  make(map[string][]chan []DriverInstance),
		done:      make(chan struct{}),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, instance DriverInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	byAddr, ok := r.instances[instance.Kind]
	if !ok {
		byAddr = make(map[string]DriverInstance)
		r.instances[instance.Kind] = byAddr
	}
	byAddr[instance.Addr] = instance
	r.notify(instance.Kind)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, kind, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	delete(r.instances[kind], addr)
	r.notify(kind)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, kind string) ([]DriverInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.list(kind), nil
}

// list returns instances sorted by address so callers see a stable order.
func (r *MemoryRegistry) list(kind string) []DriverInstance {
	out := make([]DriverInstance, 0, len(r.instances[kind]))
	for _, inst := range r.instances[kind] {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b DriverInstance) int { return strings.Compare(a.Addr, b.Addr) })
	return out
}

// notify must be called with mu held. A slow watcher only ever sees the latest list.
func (r *MemoryRegistry) notify(kind string) {
	list := r.list(kind)
	for _, ch := range r.watchers[kind] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (r *MemoryRegistry) Watch(ctx context.Context, kind string) <-chan []DriverInstance {
	ch := make(chan []DriverInstance, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.watchers[kind] = append(r.watchers[kind], ch)
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if i := slices.Index(r.watchers[kind], ch); i >= 0 {
			r.watchers[kind] = slices.Delete(r.watchers[kind], i, i+1)
			close(ch)
		}
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	for kind, chans := range r.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(r.watchers, kind)
	}
	return nil
}
