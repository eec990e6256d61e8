// Package driver serves one driver protocol to connecting cloudlets.
//
// Request processing pipeline:
//
//	Listener.Accept → one session per transport
//	  → session dispatch (serialized) → Received
//	    → request:      ContinueDispatch, go handle → middleware chain → operation handler
//	                    → ResponseTransmitter (exactly one reply, now or after Defer)
//	    → notification: handled inline, in arrival order
package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"cloudlet-rpc/logging"
	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
	"cloudlet-rpc/middleware"
	"cloudlet-rpc/operation"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/registry"
	"cloudlet-rpc/session"
	"cloudlet-rpc/transport"
)

// NotificationFunc handles one inbound notification.
type NotificationFunc func(ctx context.Context, msg *message.Message)

// Driver matches inbound requests against its operation handlers.
type Driver struct {
	proto     *message.Protocol
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	reactor   *reactor.Reactor
	registry  registry.Registry
	resources ResourceHooks

	ownsReactor bool

	handlers    map[string]middleware.HandlerFunc
	notifiers   map[string]NotificationFunc
	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(route)))

	mu         sync.Mutex
	sessions   map[string]*session.Session
	listeners  []transport.Listener
	announced  []registry.DriverInstance
	advertise  string
	closeHooks []func(*session.Session)
	acquired   map[string]operation.ResourceDescriptor

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Driver)

func WithConfig(cfg Config) Option {
	return func(d *Driver) { d.cfg = cfg }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Driver) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithReactor shares a reactor between the driver's sessions. A shared reactor is left
// running by Shutdown; one the driver created itself is terminated.
func WithReactor(r *reactor.Reactor) Option {
	return func(d *Driver) { d.reactor = r }
}

// WithRegistry announces the driver on Serve and withdraws it on Shutdown.
func WithRegistry(r registry.Registry) Option {
	return func(d *Driver) { d.registry = r }
}

// WithResourceHooks lets a driver implementation take part in ACQUIRE and RELEASE.
func WithResourceHooks(h ResourceHooks) Option {
	return func(d *Driver) { d.resources = h }
}

// New creates a driver for proto. If proto carries the resource operations, ACQUIRE and
// RELEASE are handled by the driver itself.
func New(proto *message.Protocol, opts ...Option) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		proto:     proto,
		cfg:       DefaultConfig(),
		handlers:  make(map[string]middleware.HandlerFunc),
		notifiers: make(map[string]NotificationFunc),
		sessions:  make(map[string]*session.Session),
		acquired:  make(map[string]operation.ResourceDescriptor),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.Kind == "" {
		d.cfg.Kind = proto.Name()
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	d.logger = d.logger.WithFields(logrus.Fields{"driver": d.cfg.Kind, "protocol": proto.Tag()})
	if d.reactor == nil {
		d.reactor = reactor.New(reactor.WithLogger(d.logger))
		d.ownsReactor = true
	}
	if _, ok := proto.ForOperation(operation.OpAcquire, message.Request); ok {
		d.handlers[operation.OpAcquire] = d.handleAcquire
		d.handlers[operation.OpRelease] = d.handleRelease
	}
	return d
}

func (d *Driver) Protocol() *message.Protocol { return d.proto }
func (d *Driver) Kind() string                { return d.cfg.Kind }
func (d *Driver) Logger() logrus.FieldLogger  { return d.logger }

// Handle binds the handler of a request operation.
func (d *Driver) Handle(op string, h middleware.HandlerFunc) error {
	if _, ok := d.proto.ForOperation(op, message.Request); !ok {
		return fmt.Errorf("driver: %s has no request operation %s", d.proto.Tag(), op)
	}
	d.handlers[op] = h
	return nil
}

// HandleNotification binds the handler of a notification operation.
func (d *Driver) HandleNotification(op string, fn NotificationFunc) error {
	if _, ok := d.proto.ForOperation(op, message.Notification); !ok {
		return fmt.Errorf("driver: %s has no notification operation %s", d.proto.Tag(), op)
	}
	d.notifiers[op] = fn
	return nil
}

// Use registers a middleware. Middlewares apply in the order added, inside the driver's
// own recovery, logging and metrics layers.
func (d *Driver) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
}

// OnSessionClosed runs fn after a session ends, e.g. to drop its consumers.
func (d *Driver) OnSessionClosed(fn func(*session.Session)) {
	d.mu.Lock()
	d.closeHooks = append(d.closeHooks, fn)
	d.mu.Unlock()
}

// build assembles the chain once, before the first request:
//
//	Recovery → Logging → Metrics → Use(...)... → RateLimit → Timeout → route
func (d *Driver) build() {
	d.buildOnce.Do(func() {
		chain := []middleware.Middleware{
			middleware.Recovery(d.logger),
			middleware.Logging(d.logger),
			middleware.Metrics(d.metrics),
		}
		chain = append(chain, d.middlewares...)
		if d.cfg.Rate > 0 {
			chain = append(chain, middleware.RateLimit(d.cfg.Rate, max(d.cfg.Burst, 1)))
		}
		if d.cfg.HandlerTimeout > 0 {
			chain = append(chain, middleware.Timeout(d.cfg.HandlerTimeout))
		}
		d.handler = middleware.Chain(chain...)(d.route)
	})
}

func (d *Driver) route(ctx context.Context, req *message.Message) *message.Outcome {
	h, ok := d.handlers[req.Operation()]
	if !ok {
		return message.Failure(fmt.Errorf("%w: no handler for %s", session.ErrUnmatchedOperation, req.Operation()))
	}
	return h(ctx, req)
}

// Serve announces the driver and accepts sessions from l until Shutdown.
func (d *Driver) Serve(l transport.Listener) error {
	d.build()
	d.mu.Lock()
	if d.shutdown.Load() {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	if err := d.announce(l); err != nil {
		return err
	}
	d.logger.WithField("addr", l.Addr()).Info("driver serving")

	for {
		tr, err := l.Accept(d.ctx)
		if err != nil {
			// Accept fails once Shutdown closes the listener
			if d.shutdown.Load() {
				return nil
			}
			return err
		}
		if _, err := d.Attach(tr); err != nil {
			d.logger.WithError(err).Warn("session rejected")
			tr.Close()
		}
	}
}

// Attach serves one already connected transport.
func (d *Driver) Attach(tr transport.Transport) (*session.Session, error) {
	d.build()
	if d.shutdown.Load() {
		return nil, ErrShutdown
	}
	s, err := session.New(tr, d.proto,
		session.WithLogger(d.logger),
		session.WithMetrics(d.metrics),
		session.WithReactor(d.reactor),
		session.WithCallbacks(callbacks{d}),
	)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

func (d *Driver) announce(l transport.Listener) error {
	addr := d.cfg.Advertise
	if addr == "" {
		addr = l.Addr()
	}
	d.mu.Lock()
	if d.advertise == "" {
		d.advertise = addr
	}
	d.mu.Unlock()
	if d.registry == nil {
		return nil
	}
	instance := registry.DriverInstance{
		Addr:      addr,
		Kind:      d.cfg.Kind,
		Transport: d.cfg.Transport,
		Weight:    d.cfg.Weight,
		Version:   d.proto.Version(),
	}
	if err := d.registry.Register(d.ctx, instance, d.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("driver: register %s: %w", addr, err)
	}
	d.mu.Lock()
	d.announced = append(d.announced, instance)
	d.mu.Unlock()
	return nil
}

// Sessions returns the number of open sessions.
func (d *Driver) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Shutdown withdraws the driver from the registry first so connectors stop picking it,
// stops accepting, waits for in-flight requests (deferred replies included) until ctx
// ends, then closes every session and terminates the driver's own reactor.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown.Swap(true) {
		d.mu.Unlock()
		return nil
	}
	listeners := d.listeners
	announced := d.announced
	d.mu.Unlock()

	for _, inst := range announced {
		if err := d.registry.Deregister(ctx, inst.Kind, inst.Addr); err != nil {
			d.logger.WithError(err).WithField("addr", inst.Addr).Warn("deregister driver")
		}
	}
	for _, l := range listeners {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("driver: waiting for in-flight requests: %w", ctx.Err())
	}
	d.cancel()

	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	if d.ownsReactor {
		d.reactor.Terminate()
	}
	d.logger.WithField("sessions", len(sessions)).Info("driver shut down")
	return err
}

// callbacks is the driver's side of every session it serves.
type callbacks struct {
	d *Driver
}

func (c callbacks) Created(s *session.Session) {
	c.d.mu.Lock()
	c.d.sessions[s.ID()] = s
	c.d.mu.Unlock()
	s.Logger().WithField("remote", s.RemoteAddr()).Debug("session attached")
}

func (c callbacks) Received(s *session.Session, msg *message.Message) {
	switch msg.Specification.Type {
	case message.Request:
		c.d.serveRequest(s, msg)
	case message.Notification:
		c.d.serveNotification(s, msg)
	}
}

func (c callbacks) Destroyed(s *session.Session, err error) {
	c.d.mu.Lock()
	delete(c.d.sessions, s.ID())
	hooks := append([]func(*session.Session){}, c.d.closeHooks...)
	c.d.mu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

func (d *Driver) serveRequest(s *session.Session, req *message.Message) {
	d.mu.Lock()
	if d.shutdown.Load() {
		d.mu.Unlock()
		s.ReplyError(req, session.KindUnavailable, ErrShutdown)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// requests run in parallel; the session moves on to the next message
	_ = s.ContinueDispatch(req)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithCancel(d.ctx)
		defer cancel()
		go func() {
			select {
			case <-s.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		tx := newTransmitter(s, req)
		ctx = context.WithValue(context.WithValue(ctx, sessionKey, s), transmitterKey, tx)
		outcome := d.handler(ctx, req)
		switch {
		case outcome == nil && tx.Deferred():
			// in flight until the handler's goroutine publishes or the session goes away
			select {
			case <-tx.Published():
			case <-ctx.Done():
			}
		case outcome == nil && !tx.Replied():
			tx.Fail(fmt.Errorf("driver: %s produced no outcome", req.Operation()))
		case outcome == nil:
		case tx.Replied():
			s.Logger().WithField("op", req.Operation()).Debug("outcome after explicit reply dropped")
		default:
			tx.Publish(outcome)
		}
	}()
}

func (d *Driver) serveNotification(s *session.Session, msg *message.Message) {
	fn, ok := d.notifiers[msg.Operation()]
	if !ok {
		s.Logger().WithField("spec", msg.Specification.Identifier).Debug("unhandled notification")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.Logger().WithField("op", msg.Operation()).WithField("stack", string(debug.Stack())).
				Errorf("notification handler panic: %v", r)
		}
	}()
	fn(context.WithValue(d.ctx, sessionKey, s), msg)
}
