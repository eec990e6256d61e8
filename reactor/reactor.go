// Package reactor implements the callback reactor: the process-wide authority that binds
// callback delegates to triggers and resolves the completions of asynchronous operations.
//
// A Trigger[C] stands for one callback role C (an interface type, e.g. session callbacks).
// Dispatch paths never hold a delegate directly; they go through the trigger, so the
// delegate can be swapped without racing them:
//
//	Register(r, d1) ──► registered(d1)
//	t.Assign(d2)    ──► deassigned(d1), reassigned(d2)
//	t.Unregister()  ──► unregistered(d2); Dispatch now fails with ErrUnregisteredTrigger
//
// Register commits the trigger before returning it, so dispatch through a new trigger
// never fails; only the registered notification goes through the executor. Transitions
// on one trigger are applied strictly in order and their notifications are never
// interleaved; different triggers transition independently. Each transition hands back a
// CallbackReference whose Resolve completion succeeds once the transition is applied and
// its notifications delivered.
package reactor

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"cloudlet-rpc/logging"
)

// Lifecycle notifications a delegate may implement.
type (
	RegisteredNotifier interface {
		Registered(trigger string)
	}
	ReassignedNotifier interface {
		Reassigned(trigger string)
	}
	DeassignedNotifier interface {
		Deassigned(trigger string)
	}
	UnregisteredNotifier interface {
		Unregistered(trigger string)
	}
)

// CallbackReference identifies one registration transition.
type CallbackReference struct {
	trigger string
	seq     uint64
	done    *Completion[struct{}]
}

func (r CallbackReference) Trigger() string { return r.trigger }

func (r CallbackReference) String() string {
	return fmt.Sprintf("%s#%d", r.trigger, r.seq)
}

type inert interface {
	terminate()
}

type failer interface {
	Fail(err error) bool
}

// Reactor owns the trigger table.
type Reactor struct {
	mu         sync.RWMutex
	triggers   map[string]inert
	tracked    map[uint64]failer
	trackSeq   uint64
	terminated bool

	logger   logrus.FieldLogger
	executor Executor
}

type Option func(*Reactor)

// WithLogger sets the tracer used for transition events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reactor) { r.logger = l }
}

// WithExecutor sets where notifications are delivered. Defaults to Inline.
func WithExecutor(e Executor) Option {
	return func(r *Reactor) { r.executor = e }
}

func New(opts ...Option) *Reactor {
	r := &Reactor{
		triggers: make(map[string]inert),
		tracked:  make(map[uint64]failer),
		logger:   logging.Discard(),
		executor: Inline,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the completion of the referenced transition.
func (r *Reactor) Resolve(ref CallbackReference) *Completion[struct{}] {
	if ref.done == nil {
		return Rejected[struct{}](fmt.Errorf("%w: empty reference", ErrUnregisteredTrigger))
	}
	return ref.done
}

// Terminate fails every pending transition and tracked completion and makes all triggers inert.
func (r *Reactor) Terminate() {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	triggers := r.triggers
	tracked := r.tracked
	r.triggers = make(map[string]inert)
	r.tracked = make(map[uint64]failer)
	r.mu.Unlock()

	for _, t := range triggers {
		t.terminate()
	}
	for _, c := range tracked {
		c.Fail(ErrTerminated)
	}
	r.logger.WithField("triggers", len(triggers)).WithField("completions", len(tracked)).Info("reactor terminated")
}

func (r *Reactor) Terminated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminated
}

// Track ties c to the reactor's lifetime: Terminate fails it if still pending.
func Track[T any](r *Reactor, c *Completion[T]) *Completion[T] {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		c.Fail(ErrTerminated)
		return c
	}
	r.trackSeq++
	id := r.trackSeq
	r.tracked[id] = c
	r.mu.Unlock()

	c.OnComplete(func(T, error) {
		r.mu.Lock()
		delete(r.tracked, id)
		r.mu.Unlock()
	})
	return c
}

// Register creates a trigger for capability C backed by delegate. C must be an interface
// type and delegate must be non-nil.
func Register[C any](r *Reactor, delegate C) (*Trigger[C], CallbackReference, error) {
	capability := reflect.TypeOf((*C)(nil)).Elem()
	if capability.Kind() != reflect.Interface {
		return nil, CallbackReference{}, fmt.Errorf("%w: %s is not an interface", ErrCapability, capability)
	}
	if isNil(delegate) {
		return nil, CallbackReference{}, fmt.Errorf("%w: nil delegate for %s", ErrCapability, capability)
	}

	t := &Trigger[C]{
		id:         capability.Name() + "-" + shortuuid.New(),
		capability: capability,
		reactor:    r,
		state:      triggerActive,
		delegate:   delegate,
	}

	// committed to the table, and dispatchable, before the caller sees it
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return nil, CallbackReference{}, ErrTerminated
	}
	r.triggers[t.id] = t
	r.mu.Unlock()

	ref := t.enqueue(transition[C]{kind: transitionRegister, delegate: delegate})
	return t, ref, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

type transitionKind int

const (
	transitionRegister transitionKind = iota
	transitionAssign
	transitionUnregister
)

func (k transitionKind) String() string {
	switch k {
	case transitionRegister:
		return "register"
	case transitionAssign:
		return "assign"
	default:
		return "unregister"
	}
}

type transition[C any] struct {
	kind     transitionKind
	delegate C
	ref      CallbackReference
}

type triggerState int

const (
	triggerActive triggerState = iota
	triggerUnregistered
	triggerTerminated
)

// Trigger dispatches to the delegate currently assigned to one callback role.
type Trigger[C any] struct {
	id         string
	capability reflect.Type
	reactor    *Reactor
	seq        atomic.Uint64

	mu       sync.Mutex
	state    triggerState
	closing  bool // unregister queued
	delegate C
	queue    []transition[C]
	draining bool
}

func (t *Trigger[C]) ID() string { return t.id }

// Dispatch invokes fn with the current delegate. fn runs outside the trigger's lock.
func (t *Trigger[C]) Dispatch(fn func(C)) error {
	d, err := t.Delegate()
	if err != nil {
		return err
	}
	fn(d)
	return nil
}

// Delegate returns the currently assigned delegate.
func (t *Trigger[C]) Delegate() (C, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero C
	switch t.state {
	case triggerActive:
		return t.delegate, nil
	case triggerTerminated:
		return zero, ErrTerminated
	default:
		return zero, fmt.Errorf("%w: %s", ErrUnregisteredTrigger, t.id)
	}
}

// Assign swaps the delegate. The old delegate is deassigned and the new one reassigned,
// exactly once each, after every previously queued transition.
func (t *Trigger[C]) Assign(delegate C) (CallbackReference, error) {
	if isNil(delegate) {
		return CallbackReference{}, fmt.Errorf("%w: nil delegate for %s", ErrCapability, t.capability)
	}
	if err := t.accepting(); err != nil {
		return CallbackReference{}, err
	}
	return t.enqueue(transition[C]{kind: transitionAssign, delegate: delegate}), nil
}

// Unregister detaches the delegate. Later transitions are rejected and dispatch fails
// once the unregistration is applied.
func (t *Trigger[C]) Unregister() (CallbackReference, error) {
	t.mu.Lock()
	if t.closing || t.state == triggerUnregistered {
		t.mu.Unlock()
		return CallbackReference{}, fmt.Errorf("%w: %s", ErrUnregisteredTrigger, t.id)
	}
	if t.state == triggerTerminated {
		t.mu.Unlock()
		return CallbackReference{}, ErrTerminated
	}
	t.closing = true
	t.mu.Unlock()
	return t.enqueue(transition[C]{kind: transitionUnregister}), nil
}

func (t *Trigger[C]) accepting() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == triggerTerminated:
		return ErrTerminated
	case t.closing || t.state == triggerUnregistered:
		return fmt.Errorf("%w: %s", ErrUnregisteredTrigger, t.id)
	}
	return nil
}

func (t *Trigger[C]) enqueue(tr transition[C]) CallbackReference {
	tr.ref = CallbackReference{
		trigger: t.id,
		seq:     t.seq.Add(1),
		done:    NewCompletion[struct{}](),
	}
	t.mu.Lock()
	if t.state == triggerTerminated {
		t.mu.Unlock()
		tr.ref.done.Fail(ErrTerminated)
		return tr.ref
	}
	t.queue = append(t.queue, tr)
	start := !t.draining
	if start {
		t.draining = true
	}
	t.mu.Unlock()

	if start {
		t.reactor.executor.Execute(t.drain)
	}
	return tr.ref
}

// drain applies queued transitions one at a time. A notification that queues another
// transition on the same trigger sees draining set, so the new transition is applied
// after the current one finishes instead of nesting inside it.
func (t *Trigger[C]) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 || t.state == triggerTerminated {
			t.draining = false
			t.mu.Unlock()
			return
		}
		tr := t.queue[0]
		t.queue = t.queue[1:]
		old := t.delegate
		switch tr.kind {
		case transitionAssign:
			t.delegate = tr.delegate
		case transitionUnregister:
			var zero C
			t.delegate = zero
			t.state = triggerUnregistered
		}
		t.mu.Unlock()

		t.notify(tr, old)
		if tr.kind == transitionUnregister {
			t.reactor.mu.Lock()
			delete(t.reactor.triggers, t.id)
			t.reactor.mu.Unlock()
		}
		t.reactor.logger.WithFields(logrus.Fields{
			"trigger":    t.id,
			"transition": tr.kind.String(),
			"ref":        tr.ref.seq,
		}).Debug("trigger transition applied")
		tr.ref.done.Succeed(struct{}{})
	}
}

func (t *Trigger[C]) notify(tr transition[C], old C) {
	switch tr.kind {
	case transitionRegister:
		if n, ok := any(tr.delegate).(RegisteredNotifier); ok {
			n.Registered(t.id)
		}
	case transitionAssign:
		if n, ok := any(old).(DeassignedNotifier); ok {
			n.Deassigned(t.id)
		}
		if n, ok := any(tr.delegate).(ReassignedNotifier); ok {
			n.Reassigned(t.id)
		}
	case transitionUnregister:
		if n, ok := any(old).(UnregisteredNotifier); ok {
			n.Unregistered(t.id)
		}
	}
}

func (t *Trigger[C]) terminate() {
	t.mu.Lock()
	t.state = triggerTerminated
	queued := t.queue
	t.queue = nil
	var zero C
	t.delegate = zero
	t.mu.Unlock()

	for _, tr := range queued {
		tr.ref.done.Fail(ErrTerminated)
	}
}
