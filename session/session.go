// Package session implements one bidirectional, message-oriented conversation between two
// components over a transport.
//
// A Session runs three goroutines:
//
//	readLoop      transport ──► decode ──┬─► reply: resolve the pending request in place
//	                                     └─► request / notification: append to the inbox
//	dispatchLoop  inbox ──► Callbacks.Received, one message at a time
//	writeLoop     send queue ──► transport, in the order Send was called
//
// Replies never wait behind the inbox, so a callback that blocks on a reply cannot stall
// the session. A callback holds the dispatch loop until it returns or calls
// ContinueDispatch, which lets the next message through while it keeps working.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"cloudlet-rpc/codec"
	"cloudlet-rpc/logging"
	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
	"cloudlet-rpc/protocol"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/transport"
)

// State of a session. Closed is terminal.
type State int32

const (
	Open State = iota
	Dispatching
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Dispatching:
		return "dispatching"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks receives the session's lifecycle and inbound traffic.
type Callbacks interface {
	Created(s *Session)
	Received(s *Session, msg *message.Message)
	Destroyed(s *Session, err error)
}

// Funcs adapts plain functions to Callbacks. Nil fields are skipped.
type Funcs struct {
	OnCreated   func(s *Session)
	OnReceived  func(s *Session, msg *message.Message)
	OnDestroyed func(s *Session, err error)
}

func (f Funcs) Created(s *Session) {
	if f.OnCreated != nil {
		f.OnCreated(s)
	}
}

func (f Funcs) Received(s *Session, msg *message.Message) {
	if f.OnReceived != nil {
		f.OnReceived(s, msg)
		return
	}
	if msg.Specification.Type == message.Request {
		s.ReplyError(msg, KindUnmatchedOperation, fmt.Errorf("%w: no handler for %s", ErrUnmatchedOperation, msg.Operation()))
	}
}

func (f Funcs) Destroyed(s *Session, err error) {
	if f.OnDestroyed != nil {
		f.OnDestroyed(s, err)
	}
}

type pendingRequest struct {
	spec       *message.Specification
	completion *reactor.Completion[*message.Message]
}

type outbound struct {
	frame []byte
	done  *reactor.Completion[struct{}]
}

// dispatchToken is the hold one callback has on the dispatch loop.
type dispatchToken struct {
	msg     *message.Message
	once    sync.Once
	release chan struct{}
}

func (d *dispatchToken) done() {
	d.once.Do(func() { close(d.release) })
}

type Session struct {
	id       string
	tr       transport.Transport
	proto    *message.Protocol
	coder    protocol.Coder
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	reactor  *reactor.Reactor
	trigger  *reactor.Trigger[Callbacks]
	executor reactor.Executor

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	seq     atomic.Uint64
	pending sync.Map // correlation id -> *pendingRequest

	sendMu     sync.Mutex
	sendQueue  []*outbound
	sendClosed bool
	sendWake   chan struct{}

	inboxMu   sync.Mutex
	inbox     []*message.Message
	inboxWake chan struct{}

	configMu        sync.Mutex // orders SetCallbacks/SetExecutor against the first dispatch
	dispatchStarted bool
	current         atomic.Pointer[dispatchToken]

	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

type Option func(*options)

type options struct {
	id        string
	coder     protocol.Coder
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	reactor   *reactor.Reactor
	executor  reactor.Executor
	callbacks Callbacks
}

func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithCoder selects the channel message coder. Both ends must use the same one.
func WithCoder(c protocol.Coder) Option {
	return func(o *options) { o.coder = c }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReactor registers the session's callback trigger with r instead of a private reactor.
func WithReactor(r *reactor.Reactor) Option {
	return func(o *options) { o.reactor = r }
}

// WithExecutor sets where callbacks run. The default runs them on the dispatch goroutine.
func WithExecutor(e reactor.Executor) Option {
	return func(o *options) { o.executor = e }
}

func WithCallbacks(cb Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// New binds a session to tr speaking proto. Nothing is read or written until Start.
func New(tr transport.Transport, proto *message.Protocol, opts ...Option) (*Session, error) {
	if tr == nil || proto == nil {
		return nil, fmt.Errorf("%w: transport and protocol are required", ErrIllegalState)
	}
	o := options{
		coder:     protocol.GetCoder(protocol.CoderTypeBinary),
		executor:  reactor.Inline,
		callbacks: Funcs{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = shortuuid.New()
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.reactor == nil {
		o.reactor = reactor.New(reactor.WithLogger(o.logger))
	}

	trigger, _, err := reactor.Register[Callbacks](o.reactor, o.callbacks)
	if err != nil {
		return nil, fmt.Errorf("session: register callbacks: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        o.id,
		tr:        tr,
		proto:     proto,
		coder:     o.coder,
		logger:    o.logger.WithFields(logrus.Fields{"session": o.id, "protocol": proto.Tag()}),
		metrics:   o.metrics,
		reactor:   o.reactor,
		trigger:   trigger,
		executor:  o.executor,
		ctx:       ctx,
		cancel:    cancel,
		sendWake:  make(chan struct{}, 1),
		inboxWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(Open))
	return s, nil
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Protocol() *message.Protocol { return s.proto }
func (s *Session) State() State                { return State(s.state.Load()) }
func (s *Session) RemoteAddr() string          { return s.tr.RemoteAddr() }
func (s *Session) Logger() logrus.FieldLogger  { return s.logger }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed. It is nil while the session is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Start delivers Created and launches the session's goroutines. Later calls do nothing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.metrics.SessionOpened()
		if err := s.trigger.Dispatch(func(cb Callbacks) { cb.Created(s) }); err != nil {
			s.logger.WithError(err).Warn("session created without callbacks")
		}
		go s.writeLoop()
		go s.dispatchLoop()
		go s.readLoop()
		s.logger.WithField("remote", s.tr.RemoteAddr()).Debug("session started")
	})
}

// SetCallbacks replaces the callbacks. Only allowed before the first dispatch.
func (s *Session) SetCallbacks(cb Callbacks) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.dispatchStarted || s.State() == Closed {
		return fmt.Errorf("%w: callbacks can only be set before the first dispatch", ErrIllegalState)
	}
	ref, err := s.trigger.Assign(cb)
	if err != nil {
		return err
	}
	_, err = s.reactor.Resolve(ref).Await(s.ctx)
	return err
}

// SetExecutor replaces the callback executor. Only allowed before the first dispatch.
func (s *Session) SetExecutor(e reactor.Executor) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.dispatchStarted || s.State() == Closed {
		return fmt.Errorf("%w: executor can only be set before the first dispatch", ErrIllegalState)
	}
	if e == nil {
		return fmt.Errorf("%w: nil executor", ErrIllegalState)
	}
	s.executor = e
	return nil
}

// ContinueDispatch releases the dispatch loop held by the callback handling msg, so the
// next inbound message can be dispatched while that callback keeps running. Returning from
// the callback has the same effect. It fails with ErrIllegalState unless msg is the
// message currently holding the loop, so a repeated or late call cannot release another
// callback's hold. With the Inline executor the callback occupies the dispatch goroutine,
// so the release only takes effect on return.
func (s *Session) ContinueDispatch(msg *message.Message) error {
	d := s.current.Load()
	if d == nil || msg == nil || d.msg != msg || !s.current.CompareAndSwap(d, nil) {
		return fmt.Errorf("%w: message is not holding the dispatch loop", ErrIllegalState)
	}
	d.done()
	return nil
}

// Send queues msg for the transport. The completion succeeds once the transport accepts
// the frame; it fails if the payload cannot be encoded or the session closes first.
func (s *Session) Send(msg *message.Message) *reactor.Completion[struct{}] {
	if msg == nil || msg.Specification == nil {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: message without specification", ErrIllegalState))
	}
	if known, ok := s.proto.Lookup(msg.Specification.Identifier); !ok || known != msg.Specification {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: %s is not part of %s",
			ErrIllegalState, msg.Specification.Identifier, s.proto.Tag()))
	}
	data, err := msg.Specification.Coder.Encode(msg.Payload)
	if err != nil {
		s.metrics.CodecError(msg.Specification.Identifier, msg.Specification.Type.String())
		return reactor.Rejected[struct{}](err)
	}
	md := map[string]string{
		message.KeySpecification: msg.Specification.Identifier,
		message.KeyKind:          msg.Specification.Type.String(),
		message.KeyProtocol:      s.proto.Tag(),
	}
	if msg.Correlation != "" {
		md[message.KeyCorrelation] = msg.Correlation
	}
	if msg.Resource != "" {
		md[message.KeyResource] = msg.Resource
	}
	return s.enqueue(protocol.NewChannelMessage(md, data), msg.Specification.Type.String())
}

func (s *Session) enqueue(cm *protocol.ChannelMessage, kind string) *reactor.Completion[struct{}] {
	frame, err := s.coder.Encode(cm)
	if err != nil {
		return reactor.Rejected[struct{}](err)
	}
	out := &outbound{frame: frame, done: reactor.NewCompletion[struct{}]()}

	s.sendMu.Lock()
	if s.sendClosed {
		s.sendMu.Unlock()
		return reactor.Rejected[struct{}](s.closedErr())
	}
	s.sendQueue = append(s.sendQueue, out)
	s.sendMu.Unlock()

	select {
	case s.sendWake <- struct{}{}:
	default:
	}
	s.metrics.Frame(metrics.Outbound, kind)
	return out.done
}

// Request sends a request and returns the completion of its reply. The pending entry is
// recorded before the frame is queued, so a fast reply always finds it.
func (s *Session) Request(spec *message.Specification, resource string, payload any) *reactor.Completion[*message.Message] {
	_, c := s.request(spec, resource, payload)
	return c
}

// RequestContext is Request bound to ctx: when ctx ends before the reply arrives, the
// request is abandoned with context.Cause(ctx).
func (s *Session) RequestContext(ctx context.Context, spec *message.Specification, resource string, payload any) *reactor.Completion[*message.Message] {
	if err := context.Cause(ctx); err != nil {
		return reactor.Rejected[*message.Message](err)
	}
	correlation, c := s.request(spec, resource, payload)
	if correlation == "" || ctx.Done() == nil {
		return c
	}
	stop := context.AfterFunc(ctx, func() {
		if s.Abandon(correlation, context.Cause(ctx)) {
			s.logger.WithField("correlation", correlation).Debug("request abandoned")
		}
	})
	c.OnComplete(func(*message.Message, error) { stop() })
	return c
}

func (s *Session) request(spec *message.Specification, resource string, payload any) (string, *reactor.Completion[*message.Message]) {
	if spec == nil || spec.Type != message.Request {
		return "", reactor.Rejected[*message.Message](fmt.Errorf("%w: not a request specification", ErrIllegalState))
	}
	if s.State() == Closed {
		return "", reactor.Rejected[*message.Message](s.closedErr())
	}

	correlation := s.id + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	pr := &pendingRequest{spec: spec, completion: reactor.NewCompletion[*message.Message]()}
	// a terminated reactor rejects the request before it is recorded
	if _, _, done := reactor.Track(s.reactor, pr.completion).Result(); done {
		return "", pr.completion
	}
	s.pending.Store(correlation, pr)
	pr.completion.OnComplete(func(*message.Message, error) { s.pending.Delete(correlation) })
	// Close may have swept the table between the state check and the Store
	if s.State() == Closed {
		if _, ok := s.pending.LoadAndDelete(correlation); ok {
			pr.completion.Fail(s.closedErr())
		}
		return "", pr.completion
	}

	sent := s.Send(&message.Message{
		Specification: spec,
		Correlation:   correlation,
		Resource:      resource,
		Payload:       payload,
	})
	sent.OnComplete(func(_ struct{}, err error) {
		if err == nil {
			return
		}
		if _, ok := s.pending.LoadAndDelete(correlation); ok {
			pr.completion.Fail(err)
			s.metrics.Completion("failed")
		}
	})
	return correlation, pr.completion
}

// Notify sends a notification.
func (s *Session) Notify(spec *message.Specification, resource string, payload any) *reactor.Completion[struct{}] {
	if spec == nil || spec.Type != message.Notification {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: not a notification specification", ErrIllegalState))
	}
	return s.Send(&message.Message{Specification: spec, Resource: resource, Payload: payload})
}

// Reply answers req with payload, using the reply specification of req's operation.
func (s *Session) Reply(req *message.Message, payload any) *reactor.Completion[struct{}] {
	if req == nil || req.Specification == nil || req.Specification.Type != message.Request || req.Correlation == "" {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: only requests can be replied to", ErrIllegalState))
	}
	spec, ok := s.proto.ForOperation(req.Operation(), message.Reply)
	if !ok {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: %s has no reply specification", ErrIllegalState, req.Operation()))
	}
	return s.Send(&message.Message{
		Specification: spec,
		Correlation:   req.Correlation,
		Resource:      req.Resource,
		Payload:       payload,
	})
}

// ReplyError answers req with an error reply of the given kind.
func (s *Session) ReplyError(req *message.Message, kind string, err error) *reactor.Completion[struct{}] {
	if req == nil || req.Specification == nil || req.Specification.Type != message.Request || req.Correlation == "" {
		return reactor.Rejected[struct{}](fmt.Errorf("%w: only requests can be replied to", ErrIllegalState))
	}
	id := req.Specification.Identifier
	if spec, ok := s.proto.ForOperation(req.Operation(), message.Reply); ok {
		id = spec.Identifier
	}
	return s.replyError(id, req.Correlation, req.Resource, kind, err)
}

func (s *Session) replyError(specID, correlation, resource, kind string, err error) *reactor.Completion[struct{}] {
	if kind == "" {
		kind = KindOf(err)
	}
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	md := map[string]string{
		message.KeySpecification: specID,
		message.KeyKind:          message.Reply.String(),
		message.KeyProtocol:      s.proto.Tag(),
		message.KeyCorrelation:   correlation,
		message.KeyError:         text,
		message.KeyErrorKind:     kind,
	}
	if resource != "" {
		md[message.KeyResource] = resource
	}
	return s.enqueue(protocol.NewChannelMessage(md, nil), message.Reply.String())
}

// Abandon fails and forgets one pending request. It reports whether the request was
// still pending; a reply arriving later is dropped.
func (s *Session) Abandon(correlation string, err error) bool {
	v, ok := s.pending.LoadAndDelete(correlation)
	if !ok {
		return false
	}
	v.(*pendingRequest).completion.Fail(err)
	s.metrics.Completion("failed")
	return true
}

// Pending returns the number of requests awaiting a reply.
func (s *Session) Pending() int {
	n := 0
	s.pending.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Close closes the session and its transport. Pending requests and unsent frames fail
// with ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Session) closedErr() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return ErrSessionClosed
	}
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		s.closeErr = closedError(cause)
		close(s.done)
		s.cancel()
		_ = s.tr.Close()

		s.sendMu.Lock()
		s.sendClosed = true
		queued := s.sendQueue
		s.sendQueue = nil
		s.sendMu.Unlock()
		for _, out := range queued {
			out.done.Fail(s.closeErr)
		}

		failed := 0
		s.pending.Range(func(key, _ any) bool {
			if v, ok := s.pending.LoadAndDelete(key); ok {
				v.(*pendingRequest).completion.Fail(s.closeErr)
				failed++
			}
			return true
		})

		if d := s.current.Swap(nil); d != nil {
			d.done()
		}

		if err := s.trigger.Dispatch(func(cb Callbacks) { cb.Destroyed(s, cause) }); err != nil {
			s.logger.WithError(err).Debug("destroyed not delivered")
		}
		if _, err := s.trigger.Unregister(); err != nil {
			s.logger.WithError(err).Debug("unregister callbacks")
		}
		if s.started.Load() {
			s.metrics.SessionClosed()
		}

		entry := s.logger.WithField("failed_pending", failed).WithField("failed_sends", len(queued))
		if cause != nil {
			entry.WithError(cause).Info("session closed")
		} else {
			entry.Debug("session closed")
		}
	})
}

func (s *Session) writeLoop() {
	for {
		s.sendMu.Lock()
		if s.sendClosed {
			s.sendMu.Unlock()
			return
		}
		if len(s.sendQueue) == 0 {
			s.sendMu.Unlock()
			select {
			case <-s.sendWake:
				continue
			case <-s.done:
				return
			}
		}
		out := s.sendQueue[0]
		s.sendQueue[0] = nil
		s.sendQueue = s.sendQueue[1:]
		s.sendMu.Unlock()

		if err := s.tr.Send(s.ctx, out.frame); err != nil {
			out.done.Fail(closedError(err))
			s.closeWith(err)
			return
		}
		out.done.Succeed(struct{}{})
	}
}

func (s *Session) readLoop() {
	for {
		frame, err := s.tr.Receive(s.ctx)
		if err != nil {
			if s.State() != Closed {
				s.closeWith(err)
			}
			return
		}
		cm, err := s.coder.Decode(frame)
		if err != nil {
			s.metrics.FramingError(framingCause(err))
			s.logger.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		s.route(cm)
	}
}

func framingCause(err error) string {
	var fe *protocol.FramingError
	if errors.As(err, &fe) && fe.Cause != nil {
		return fe.Cause.Error()
	}
	return "unknown"
}

func (s *Session) route(cm *protocol.ChannelMessage) {
	specID, _ := cm.Get(message.KeySpecification)
	kindText, _ := cm.Get(message.KeyKind)
	correlation, _ := cm.Get(message.KeyCorrelation)
	resource, _ := cm.Get(message.KeyResource)
	log := s.logger.WithFields(logrus.Fields{"spec": specID, "correlation": correlation})

	kind, ok := message.ParseType(kindText)
	if !ok {
		s.metrics.FramingError("kind")
		log.WithField("kind", kindText).Warn("dropping message of unknown kind")
		return
	}
	s.metrics.Frame(metrics.Inbound, kind.String())

	if kind == message.Reply {
		s.resolve(cm, specID, correlation, resource, log)
		return
	}

	if tag, ok := cm.Get(message.KeyProtocol); ok && tag != s.proto.Tag() {
		s.reject(kind, specID, correlation, resource, KindUnmatchedOperation,
			fmt.Errorf("%w: protocol %s, expected %s", ErrUnmatchedOperation, tag, s.proto.Tag()), log)
		return
	}
	spec, known := s.proto.Lookup(specID)
	if !known || spec.Type != kind {
		s.reject(kind, specID, correlation, resource, KindUnmatchedOperation,
			fmt.Errorf("%w: %s", ErrUnmatchedOperation, specID), log)
		return
	}
	payload, err := spec.Coder.Decode(cm.Data())
	if err != nil {
		s.metrics.CodecError(specID, kind.String())
		s.reject(kind, specID, correlation, resource, KindCodec, err, log)
		return
	}

	s.push(&message.Message{
		Specification: spec,
		Session:       s.id,
		Correlation:   correlation,
		Resource:      resource,
		Payload:       payload,
	})
}

// reject answers a request that cannot be dispatched, or drops a notification.
func (s *Session) reject(kind message.Type, specID, correlation, resource, errKind string, err error, log *logrus.Entry) {
	if kind == message.Request && correlation != "" {
		log.WithError(err).Debug("rejecting request")
		s.replyError(specID, correlation, resource, errKind, err)
		return
	}
	log.WithError(err).Warn("dropping notification")
}

func (s *Session) resolve(cm *protocol.ChannelMessage, specID, correlation, resource string, log *logrus.Entry) {
	v, ok := s.pending.LoadAndDelete(correlation)
	if !ok {
		s.metrics.DroppedReply()
		log.Debug("dropping reply without pending request")
		return
	}
	pr := v.(*pendingRequest)

	if text, failed := cm.Get(message.KeyError); failed {
		kind, _ := cm.Get(message.KeyErrorKind)
		pr.completion.Fail(&RemoteError{Kind: kind, Message: text})
		s.metrics.Completion("remote-error")
		return
	}

	spec, known := s.proto.Lookup(specID)
	if !known || spec.Type != message.Reply || spec.Operation != pr.spec.Operation {
		err := &codec.Error{Coder: "session", Op: "decode", Err: fmt.Errorf("unexpected reply specification %q to %s", specID, pr.spec.Identifier)}
		pr.completion.Fail(err)
		s.metrics.CodecError(specID, message.Reply.String())
		s.metrics.Completion("failed")
		return
	}
	payload, err := spec.Coder.Decode(cm.Data())
	if err != nil {
		pr.completion.Fail(err)
		s.metrics.CodecError(specID, message.Reply.String())
		s.metrics.Completion("failed")
		return
	}
	pr.completion.Succeed(&message.Message{
		Specification: spec,
		Session:       s.id,
		Correlation:   correlation,
		Resource:      resource,
		Payload:       payload,
	})
	s.metrics.Completion("succeeded")
}

func (s *Session) push(msg *message.Message) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, msg)
	s.inboxMu.Unlock()
	select {
	case s.inboxWake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (*message.Message, bool) {
	for {
		s.inboxMu.Lock()
		if len(s.inbox) > 0 {
			msg := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			s.inboxMu.Unlock()
			return msg, true
		}
		s.inboxMu.Unlock()
		select {
		case <-s.inboxWake:
		case <-s.done:
			return nil, false
		}
	}
}

func (s *Session) dispatchLoop() {
	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		if s.State() == Closed {
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *message.Message) {
	s.configMu.Lock()
	s.dispatchStarted = true
	executor := s.executor
	s.configMu.Unlock()

	token := &dispatchToken{msg: msg, release: make(chan struct{})}
	s.current.Store(token)
	s.state.CompareAndSwap(int32(Open), int32(Dispatching))
	started := time.Now()

	executor.Execute(func() {
		defer token.done()
		defer s.current.CompareAndSwap(token, nil)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("callback panicked: %v", r)
				s.logger.WithField("spec", msg.Specification.Identifier).WithError(err).Error("recovered callback panic")
				if msg.Specification.Type == message.Request {
					s.ReplyError(msg, KindHandler, err)
				}
			}
		}()
		err := s.trigger.Dispatch(func(cb Callbacks) { cb.Received(s, msg) })
		if err != nil && msg.Specification.Type == message.Request {
			s.ReplyError(msg, KindIllegalState, err)
		}
	})

	select {
	case <-token.release:
	case <-s.done:
	}
	s.state.CompareAndSwap(int32(Dispatching), int32(Open))
	s.metrics.Dispatch(msg.Specification.Type.String(), time.Since(started))
}
