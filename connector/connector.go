// Package connector is the cloudlet side of a driver protocol. It finds a driver through
// the registry, keeps one session per driver address and turns operations into calls
// (request/reply) and casts (notifications).
//
//	Call(target, op) → registry.Discover(kind) → Balancer.Pick → cached or new session
//	  → session.RequestContext → reply payload | RemoteError | ErrCallTimeout
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cloudlet-rpc/loadbalance"
	"cloudlet-rpc/logging"
	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/registry"
	"cloudlet-rpc/session"
	"cloudlet-rpc/transport"
)

var (
	ErrCallTimeout     = errors.New("connector: call timed out")
	ErrNoDriver        = errors.New("connector: no driver available")
	ErrClosed          = errors.New("connector: closed")
	ErrUnexpectedReply = errors.New("connector: unexpected reply payload")
)

// Target addresses a call. With Address set the registry is bypassed.
type Target struct {
	Driver    string // registry kind
	Address   string
	Transport string
	Resource  string
}

// TargetOf addresses the driver holding an acquired resource.
func TargetOf(desc operation.ResourceDescriptor) Target {
	return Target{Driver: desc.Driver, Address: desc.Address, Transport: desc.Transport, Resource: desc.ID}
}

// Dialer opens a transport to a driver.
type Dialer func(ctx context.Context, network, addr string) (transport.Transport, error)

type Connector struct {
	proto    *message.Protocol
	cfg      Config
	registry registry.Registry
	balancer loadbalance.Balancer
	dialer   Dialer
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	reactor  *reactor.Reactor

	ownsReactor bool

	mu       sync.Mutex
	sessions map[string]*reactor.Completion[*session.Session] // network://addr
	subs     map[string]*reactor.Trigger[NotificationCallbacks]
	closed   bool
}

type Option func(*Connector)

func WithRegistry(r registry.Registry) Option {
	return func(c *Connector) { c.registry = r }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Connector) { c.balancer = b }
}

func WithDialer(d Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Connector) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithReactor shares the reactor that tracks calls and notification subscriptions. Close
// terminates the reactor only when the connector created it.
func WithReactor(r *reactor.Reactor) Option {
	return func(c *Connector) { c.reactor = r }
}

func WithConfig(cfg Config) Option {
	return func(c *Connector) { c.cfg = cfg }
}

func New(proto *message.Protocol, opts ...Option) (*Connector, error) {
	c := &Connector{
		proto:    proto,
		cfg:      DefaultConfig(),
		sessions: make(map[string]*reactor.Completion[*session.Session]),
		subs:     make(map[string]*reactor.Trigger[NotificationCallbacks]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	c.logger = c.logger.WithField("protocol", proto.Tag())
	if c.reactor == nil {
		c.reactor = reactor.New(reactor.WithLogger(c.logger))
		c.ownsReactor = true
	}
	if c.balancer == nil {
		b, err := loadbalance.ByName(c.cfg.Balancer)
		if err != nil {
			return nil, err
		}
		c.balancer = b
	}
	if c.dialer == nil {
		opts := c.cfg.transportOptions()
		c.dialer = func(ctx context.Context, network, addr string) (transport.Transport, error) {
			return transport.Dial(ctx, network, addr, opts)
		}
	}
	return c, nil
}

func (c *Connector) Protocol() *message.Protocol { return c.proto }

// withDeadline bounds ctx by the configured call timeout.
func (c *Connector) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, c.cfg.CallTimeout, ErrCallTimeout)
}

// Call sends a request for op and completes with the decoded reply payload. Remote
// failures arrive as *session.RemoteError; an expired call timeout as ErrCallTimeout.
func (c *Connector) Call(ctx context.Context, target Target, op string, input any) *reactor.Completion[any] {
	spec, ok := c.proto.ForOperation(op, message.Request)
	if !ok {
		return reactor.Rejected[any](fmt.Errorf("%w: %s has no request %s", session.ErrUnmatchedOperation, c.proto.Tag(), op))
	}
	out := reactor.Track(c.reactor, reactor.NewCompletion[any]())
	callCtx, cancel := c.withDeadline(ctx)
	out.OnComplete(func(any, error) { cancel() })

	c.sessionFor(callCtx, target).OnComplete(func(s *session.Session, err error) {
		if err != nil {
			out.Fail(timeoutCause(callCtx, err))
			return
		}
		reply := s.RequestContext(callCtx, spec, target.Resource, input)
		reactor.Forward(reactor.Map(reply, func(m *message.Message) (any, error) {
			return m.Payload, nil
		}), out)
	})
	return out
}

// timeoutCause reports ErrCallTimeout for a dial cut short by the call timeout.
func timeoutCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrCallTimeout) && !errors.Is(err, ErrCallTimeout) {
		return fmt.Errorf("%w: %v", ErrCallTimeout, err)
	}
	return err
}

// CallAs is Call with the reply payload asserted to O.
func CallAs[O any](ctx context.Context, c *Connector, target Target, op string, input any) *reactor.Completion[O] {
	return reactor.Map(c.Call(ctx, target, op, input), func(v any) (O, error) {
		out, ok := v.(O)
		if !ok {
			var zero O
			return zero, fmt.Errorf("%w: %s replied %T, want %T", ErrUnexpectedReply, op, v, zero)
		}
		return out, nil
	})
}

// Cast sends op as a notification. It succeeds once the transport accepts the frame.
func (c *Connector) Cast(ctx context.Context, target Target, op string, input any) *reactor.Completion[struct{}] {
	spec, ok := c.proto.ForOperation(op, message.Notification)
	if !ok {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: %s has no notification %s", session.ErrUnmatchedOperation, c.proto.Tag(), op))
	}
	out := reactor.Track(c.reactor, reactor.NewCompletion[struct{}]())
	c.sessionFor(ctx, target).OnComplete(func(s *session.Session, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		reactor.Forward(s.Notify(spec, target.Resource, input), out)
	})
	return out
}

// Acquire asks a driver of the given kind for a resource. A descriptor without an
// address is completed with the address the driver was reached at.
func (c *Connector) Acquire(ctx context.Context, driverKind string, spec operation.ResourceSpec) *reactor.Completion[operation.ResourceDescriptor] {
	target := Target{Driver: driverKind}
	network, addr, err := c.resolve(ctx, target)
	if err != nil {
		return reactor.Rejected[operation.ResourceDescriptor](err)
	}
	target.Address, target.Transport = addr, network
	return reactor.Map(CallAs[operation.ResourceDescriptor](ctx, c, target, operation.OpAcquire, spec),
		func(desc operation.ResourceDescriptor) (operation.ResourceDescriptor, error) {
			if desc.Address == "" {
				desc.Address, desc.Transport = addr, network
			}
			return desc, nil
		})
}

func (c *Connector) Release(ctx context.Context, desc operation.ResourceDescriptor) *reactor.Completion[struct{}] {
	return CallAs[struct{}](ctx, c, TargetOf(desc), operation.OpRelease, desc)
}

// resolve picks the network and address serving target.
func (c *Connector) resolve(ctx context.Context, target Target) (string, string, error) {
	if target.Address != "" {
		return network(target.Transport), target.Address, nil
	}
	if c.registry == nil || target.Driver == "" {
		return "", "", fmt.Errorf("%w: target has neither address nor registered driver", ErrNoDriver)
	}
	instances, err := c.registry.Discover(ctx, target.Driver)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoDriver, err)
	}
	inst, err := c.balancer.Pick(instances, target.Resource)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrNoDriver, target.Driver, err)
	}
	return network(inst.Transport), inst.Addr, nil
}

func network(n string) string {
	if n == "" {
		return transport.NetworkTCP
	}
	return n
}

// sessionFor returns the session to the driver serving target, dialing it at most once
// per address while concurrent calls wait on the same completion.
func (c *Connector) sessionFor(ctx context.Context, target Target) *reactor.Completion[*session.Session] {
	network, addr, err := c.resolve(ctx, target)
	if err != nil {
		return reactor.Rejected[*session.Session](err)
	}
	key := network + "://" + addr

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reactor.Rejected[*session.Session](ErrClosed)
	}
	if pending, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		return pending
	}
	pending := reactor.NewCompletion[*session.Session]()
	c.sessions[key] = pending
	c.mu.Unlock()

	go func() {
		s, err := c.dial(ctx, network, addr, key)
		if err != nil {
			c.forget(key, pending)
			pending.Fail(err)
			return
		}
		pending.Succeed(s)
	}()
	return pending
}

func (c *Connector) dial(ctx context.Context, network, addr, key string) (*session.Session, error) {
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	tr, err := c.dialer(dialCtx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDriver, err)
	}
	s, err := session.New(tr, c.proto,
		session.WithLogger(c.logger.WithField("driver", addr)),
		session.WithMetrics(c.metrics),
		session.WithReactor(c.reactor),
		session.WithCallbacks(callbacks{c: c, key: key}),
	)
	if err != nil {
		tr.Close()
		return nil, err
	}
	s.Start()
	return s, nil
}

// forget drops a cached session entry if it is still the given one.
func (c *Connector) forget(key string, entry *reactor.Completion[*session.Session]) {
	c.mu.Lock()
	if c.sessions[key] == entry {
		delete(c.sessions, key)
	}
	c.mu.Unlock()
}

// Sessions returns the number of cached driver sessions.
func (c *Connector) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close closes every driver session; their pending calls fail with session.ErrSessionClosed.
// Calls still waiting for a dial, and subscriptions, fail with reactor.ErrTerminated when
// the connector owns its reactor.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.sessions
	c.sessions = make(map[string]*reactor.Completion[*session.Session])
	c.mu.Unlock()

	for _, entry := range entries {
		entry.OnComplete(func(s *session.Session, err error) {
			if err == nil {
				s.Close()
			}
		})
	}
	if c.ownsReactor {
		c.reactor.Terminate()
	}
	return nil
}

// callbacks is the connector's side of one driver session.
type callbacks struct {
	c   *Connector
	key string
}

func (cb callbacks) Created(*session.Session) {}

func (cb callbacks) Received(s *session.Session, msg *message.Message) {
	switch msg.Specification.Type {
	case message.Notification:
		cb.c.route(msg)
	case message.Request:
		s.ReplyError(msg, session.KindUnmatchedOperation,
			fmt.Errorf("%w: connector serves no requests", session.ErrUnmatchedOperation))
	}
}

func (cb callbacks) Destroyed(s *session.Session, err error) {
	cb.c.mu.Lock()
	if entry, ok := cb.c.sessions[cb.key]; ok {
		if cur, _, done := entry.Result(); done && cur == s {
			delete(cb.c.sessions, cb.key)
		}
	}
	cb.c.mu.Unlock()
	s.Logger().WithError(err).Debug("driver session dropped")
}
