package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudlet-rpc/codec"
	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
	"cloudlet-rpc/protocol"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/transport"
)

type note struct {
	Text string `json:"text"`
}

var (
	echoRequest  = &message.Specification{Identifier: "echo.request", Type: message.Request, Operation: "ECHO", Coder: codec.String}
	echoReply    = &message.Specification{Identifier: "echo.reply", Type: message.Reply, Operation: "ECHO", Coder: codec.String}
	slowRequest  = &message.Specification{Identifier: "slow.request", Type: message.Request, Operation: "SLOW", Coder: codec.String}
	slowReply    = &message.Specification{Identifier: "slow.reply", Type: message.Reply, Operation: "SLOW", Coder: codec.String}
	noteNotify   = &message.Specification{Identifier: "note.notification", Type: message.Notification, Operation: "NOTE", Coder: codec.JSON[note]()}
	extraRequest = &message.Specification{Identifier: "extra.request", Type: message.Request, Operation: "EXTRA", Coder: codec.Empty}
	extraReply   = &message.Specification{Identifier: "extra.reply", Type: message.Reply, Operation: "EXTRA", Coder: codec.Empty}

	serverProto = message.MustProtocol("echo", "1", echoRequest, echoReply, slowRequest, slowReply, noteNotify)
	// clientProto knows an operation the server does not
	clientProto = message.MustProtocol("echo", "1", echoRequest, echoReply, slowRequest, slowReply, noteNotify, extraRequest, extraReply)
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoServer replies to ECHO with the request payload and never answers SLOW.
func echoServer(t *testing.T, tr transport.Transport, opts ...Option) *Session {
	t.Helper()
	cb := Funcs{OnReceived: func(s *Session, msg *message.Message) {
		switch msg.Operation() {
		case "ECHO":
			s.Reply(msg, msg.Payload)
		case "SLOW":
		}
	}}
	s, err := New(tr, serverProto, append([]Option{WithCallbacks(cb), WithID("server")}, opts...)...)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { s.Close() })
	return s
}

func client(t *testing.T, tr transport.Transport, opts ...Option) *Session {
	t.Helper()
	s, err := New(tr, clientProto, append([]Option{WithID("client")}, opts...)...)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequestReply(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	reply, err := c.Request(echoRequest, "", "hello").Await(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Payload)
	assert.Equal(t, echoReply, reply.Specification)
	assert.Equal(t, "client-1", reply.Correlation)
	assert.Equal(t, 0, c.Pending())
}

func TestConcurrentRequests(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("payload-%d", i)
			reply, err := c.Request(echoRequest, "", want).Await(testCtx(t))
			assert.NoError(t, err)
			if reply != nil {
				assert.Equal(t, want, reply.Payload)
			}
		}(i)
	}
	wg.Wait()
}

func TestDispatchIsSerialized(t *testing.T) {
	a, b := transport.Pipe()
	var mu sync.Mutex
	var events []string
	received := make(chan struct{}, 10)
	cb := Funcs{OnReceived: func(s *Session, msg *message.Message) {
		n := msg.Payload.(note).Text
		mu.Lock()
		events = append(events, "enter "+n)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		events = append(events, "exit "+n)
		mu.Unlock()
		received <- struct{}{}
	}}
	server, err := New(b, serverProto, WithCallbacks(cb))
	require.NoError(t, err)
	server.Start()
	defer server.Close()
	c := client(t, a)

	for i := 0; i < 5; i++ {
		c.Notify(noteNotify, "", note{Text: fmt.Sprint(i)})
	}
	for i := 0; i < 5; i++ {
		<-received
	}

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, fmt.Sprintf("enter %d", i), fmt.Sprintf("exit %d", i))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, events)
}

func TestContinueDispatchReleasesLoop(t *testing.T) {
	a, b := transport.Pipe()
	second := make(chan struct{})
	firstDone := make(chan struct{})
	cb := Funcs{OnReceived: func(s *Session, msg *message.Message) {
		switch msg.Payload.(note).Text {
		case "first":
			assert.NoError(t, s.ContinueDispatch(msg))
			select {
			case <-second:
			case <-time.After(2 * time.Second):
				t.Error("second message was not dispatched while the first callback ran")
			}
			close(firstDone)
		case "second":
			close(second)
		}
	}}
	// callbacks must run off the dispatch goroutine for the loop to move on
	server, err := New(b, serverProto, WithCallbacks(cb), WithExecutor(reactor.Go))
	require.NoError(t, err)
	server.Start()
	defer server.Close()
	c := client(t, a)

	c.Notify(noteNotify, "", note{Text: "first"})
	c.Notify(noteNotify, "", note{Text: "second"})
	select {
	case <-firstDone:
	case <-time.After(3 * time.Second):
		t.Fatal("first callback never finished")
	}
}

func TestContinueDispatchOutsideCallback(t *testing.T) {
	a, _ := transport.Pipe()
	c := client(t, a)
	assert.ErrorIs(t, c.ContinueDispatch(nil), ErrIllegalState)
}

func TestRepeatedContinueDispatchKeepsLaterHold(t *testing.T) {
	a, b := transport.Pipe()
	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	bEntered := make(chan struct{})
	aChecked := make(chan struct{})
	cDone := make(chan struct{})
	cb := Funcs{OnReceived: func(s *Session, msg *message.Message) {
		switch msg.Payload.(note).Text {
		case "a":
			assert.NoError(t, s.ContinueDispatch(msg))
			<-bEntered
			// b holds the loop now; a second release from a must not free it
			assert.ErrorIs(t, s.ContinueDispatch(msg), ErrIllegalState)
			close(aChecked)
		case "b":
			record("enter b")
			close(bEntered)
			<-aChecked
			time.Sleep(20 * time.Millisecond)
			record("exit b")
		case "c":
			record("enter c")
			close(cDone)
		}
	}}
	server, err := New(b, serverProto, WithCallbacks(cb), WithExecutor(reactor.Go))
	require.NoError(t, err)
	server.Start()
	defer server.Close()
	c := client(t, a)

	for _, text := range []string{"a", "b", "c"} {
		c.Notify(noteNotify, "", note{Text: text})
	}
	select {
	case <-cDone:
	case <-time.After(3 * time.Second):
		t.Fatal("c was never dispatched")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"enter b", "exit b", "enter c"}, events)
}

func TestCreatedWithAsyncReactor(t *testing.T) {
	a, b := transport.Pipe()
	created := make(chan struct{})
	r := reactor.New(reactor.WithExecutor(reactor.Go))
	cb := Funcs{
		OnCreated: func(*Session) { close(created) },
		OnReceived: func(s *Session, msg *message.Message) {
			s.Reply(msg, msg.Payload)
		},
	}
	server, err := New(b, serverProto, WithCallbacks(cb), WithReactor(r))
	require.NoError(t, err)
	server.Start()
	defer server.Close()

	select {
	case <-created:
	default:
		t.Fatal("created was not delivered by Start")
	}
	c := client(t, a)
	reply, err := c.Request(echoRequest, "", "hi").Await(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "hi", reply.Payload)
}

func TestTerminateFailsPendingRequests(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	r := reactor.New()
	c := client(t, a, WithReactor(r))

	pending := c.Request(slowRequest, "", "x")
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	r.Terminate()

	_, err := pending.Await(testCtx(t))
	assert.ErrorIs(t, err, reactor.ErrTerminated)
	assert.Zero(t, c.Pending())
	_, err = c.Request(echoRequest, "", "late").Await(testCtx(t))
	assert.ErrorIs(t, err, reactor.ErrTerminated)
}

func TestSetCallbacksAfterDispatch(t *testing.T) {
	a, b := transport.Pipe()
	dispatched := make(chan struct{})
	server, err := New(b, serverProto)
	require.NoError(t, err)
	require.NoError(t, server.SetCallbacks(Funcs{OnReceived: func(*Session, *message.Message) { close(dispatched) }}))
	require.NoError(t, server.SetExecutor(reactor.Go))
	server.Start()
	defer server.Close()
	c := client(t, a)

	c.Notify(noteNotify, "", note{Text: "x"})
	<-dispatched
	assert.ErrorIs(t, server.SetCallbacks(Funcs{}), ErrIllegalState)
	assert.ErrorIs(t, server.SetExecutor(reactor.Inline), ErrIllegalState)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	const n = 10
	completions := make([]*reactor.Completion[*message.Message], n)
	for i := range completions {
		completions[i] = c.Request(slowRequest, "", "wait")
	}
	// the requests are on the wire once the server has seen them; closing earlier is fine too
	require.NoError(t, c.Close())

	for _, comp := range completions {
		_, err := comp.Await(testCtx(t))
		assert.ErrorIs(t, err, ErrSessionClosed)
	}
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Err(), ErrSessionClosed)

	_, err := c.Request(echoRequest, "", "late").Await(testCtx(t))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = c.Notify(noteNotify, "", note{}).Await(testCtx(t))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestPeerCloseDestroysSession(t *testing.T) {
	a, b := transport.Pipe()
	destroyed := make(chan error, 1)
	c, err := New(a, clientProto, WithCallbacks(Funcs{OnDestroyed: func(_ *Session, err error) { destroyed <- err }}))
	require.NoError(t, err)
	c.Start()
	pending := c.Request(slowRequest, "", "x")

	require.NoError(t, b.Close())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after the transport failed")
	}
	assert.ErrorIs(t, <-destroyed, transport.ErrClosed)
	_, err = pending.Await(testCtx(t))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestUnmatchedOperationFailsCaller(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	_, err := c.Request(extraRequest, "", nil).Await(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnmatchedOperation)
	assert.ErrorIs(t, err, ErrRemote)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, KindUnmatchedOperation, remote.Kind)
}

func TestUnhandledRequestGetsErrorReply(t *testing.T) {
	a, b := transport.Pipe()
	server, err := New(b, serverProto)
	require.NoError(t, err)
	server.Start()
	defer server.Close()
	c := client(t, a)

	_, err = c.Request(echoRequest, "", "anyone?").Await(testCtx(t))
	assert.ErrorIs(t, err, ErrUnmatchedOperation)
}

func TestCallbackPanicBecomesErrorReply(t *testing.T) {
	a, b := transport.Pipe()
	server, err := New(b, serverProto, WithCallbacks(Funcs{OnReceived: func(*Session, *message.Message) {
		panic("handler bug")
	}}))
	require.NoError(t, err)
	server.Start()
	defer server.Close()
	c := client(t, a)

	_, err = c.Request(echoRequest, "", "boom").Await(testCtx(t))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, KindHandler, remote.Kind)
	assert.Contains(t, remote.Message, "handler bug")

	// the session survives
	_, err = c.Request(echoRequest, "", "again").Await(testCtx(t))
	assert.ErrorAs(t, err, &remote)
	assert.Equal(t, Open, server.State())
}

func rawFrame(t *testing.T, md map[string]string, data []byte) []byte {
	t.Helper()
	frame, err := protocol.GetCoder(protocol.CoderTypeBinary).Encode(protocol.NewChannelMessage(md, data))
	require.NoError(t, err)
	return frame
}

func TestFramingErrorKeepsSessionOpen(t *testing.T) {
	raw, b := transport.Pipe()
	logger, hook := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "framing")
	require.NoError(t, err)
	server := echoServer(t, b, WithLogger(logger), WithMetrics(m))

	ctx := testCtx(t)
	require.NoError(t, raw.Send(ctx, []byte("definitely not a channel message")))
	require.NoError(t, raw.Send(ctx, rawFrame(t, map[string]string{
		message.KeySpecification: echoRequest.Identifier,
		message.KeyKind:          "request",
		message.KeyProtocol:      serverProto.Tag(),
		message.KeyCorrelation:   "raw-1",
	}, []byte("ping"))))

	frame, err := raw.Receive(ctx)
	require.NoError(t, err)
	reply, err := protocol.GetCoder(protocol.CoderTypeBinary).Decode(frame)
	require.NoError(t, err)
	corr, _ := reply.Get(message.KeyCorrelation)
	assert.Equal(t, "raw-1", corr)
	assert.Equal(t, []byte("ping"), reply.Data())

	assert.Equal(t, Open, server.State())
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "dropping undecodable frame" {
			warned = true
		}
	}
	assert.True(t, warned)
	count, err := testutil.GatherAndCount(reg, "framing_session_framing_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotificationCodecErrorIsTraced(t *testing.T) {
	raw, b := transport.Pipe()
	logger, hook := test.NewNullLogger()
	received := make(chan struct{}, 1)
	server, err := New(b, serverProto, WithLogger(logger), WithCallbacks(Funcs{
		OnReceived: func(*Session, *message.Message) { received <- struct{}{} },
	}))
	require.NoError(t, err)
	server.Start()
	defer server.Close()

	require.NoError(t, raw.Send(testCtx(t), rawFrame(t, map[string]string{
		message.KeySpecification: noteNotify.Identifier,
		message.KeyKind:          "notification",
		message.KeyProtocol:      serverProto.Tag(),
	}, []byte("{not json"))))

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "dropping notification" && e.Data["spec"] == noteNotify.Identifier {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, received)
	assert.Equal(t, Open, server.State())
}

func TestDuplicateReplyIsDropped(t *testing.T) {
	a, raw := transport.Pipe()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := client(t, a, WithLogger(logger))

	pending := c.Request(echoRequest, "", "x")
	ctx := testCtx(t)
	_, err := raw.Receive(ctx)
	require.NoError(t, err)

	replyFrame := rawFrame(t, map[string]string{
		message.KeySpecification: echoReply.Identifier,
		message.KeyKind:          "reply",
		message.KeyProtocol:      clientProto.Tag(),
		message.KeyCorrelation:   "client-1",
	}, []byte("first"))
	require.NoError(t, raw.Send(ctx, replyFrame))
	require.NoError(t, raw.Send(ctx, rawFrame(t, map[string]string{
		message.KeySpecification: echoReply.Identifier,
		message.KeyKind:          "reply",
		message.KeyProtocol:      clientProto.Tag(),
		message.KeyCorrelation:   "client-1",
	}, []byte("second"))))

	reply, err := pending.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", reply.Payload)
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "dropping reply without pending request" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplyDecodeFailureFailsCaller(t *testing.T) {
	a, raw := transport.Pipe()
	c := client(t, a)

	pending := c.Request(echoRequest, "", "x")
	ctx := testCtx(t)
	_, err := raw.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, raw.Send(ctx, rawFrame(t, map[string]string{
		message.KeySpecification: echoReply.Identifier,
		message.KeyKind:          "reply",
		message.KeyCorrelation:   "client-1",
	}, []byte{0xff, 0xfe})))

	_, err = pending.Await(ctx)
	assert.ErrorIs(t, err, codec.ErrPayloadCodec)
}

func TestAbandon(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	pending := c.Request(slowRequest, "", "x")
	assert.True(t, c.Abandon("client-1", context.DeadlineExceeded))
	assert.False(t, c.Abandon("client-1", context.DeadlineExceeded))
	_, err := pending.Await(testCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestContextAbandonsOnCancel(t *testing.T) {
	a, b := transport.Pipe()
	echoServer(t, b)
	c := client(t, a)

	errGiveUp := fmt.Errorf("gave up")
	ctx, cancel := context.WithCancelCause(context.Background())
	pending := c.RequestContext(ctx, slowRequest, "", "x")
	cancel(errGiveUp)

	_, err := pending.Await(testCtx(t))
	assert.ErrorIs(t, err, errGiveUp)
	assert.Equal(t, 0, c.Pending())

	_, err = c.RequestContext(ctx, echoRequest, "", "late").Await(testCtx(t))
	assert.ErrorIs(t, err, errGiveUp)

	reply, err := c.RequestContext(testCtx(t), echoRequest, "", "hi").Await(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "hi", reply.Payload)
}

func TestSendRejectsForeignSpecification(t *testing.T) {
	a, _ := transport.Pipe()
	s, err := New(a, serverProto)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Request(extraRequest, "", nil).Await(testCtx(t))
	assert.ErrorIs(t, err, ErrIllegalState)
	_, err = s.Request(echoReply, "", "x").Await(testCtx(t))
	assert.ErrorIs(t, err, ErrIllegalState)
	_, err = s.Notify(noteNotify, "", 42).Await(testCtx(t))
	assert.ErrorIs(t, err, codec.ErrPayloadCodec)
}

func TestLifecycleCallbacks(t *testing.T) {
	a, _ := transport.Pipe()
	var events []string
	s, err := New(a, clientProto, WithCallbacks(Funcs{
		OnCreated:   func(*Session) { events = append(events, "created") },
		OnDestroyed: func(_ *Session, err error) { events = append(events, fmt.Sprintf("destroyed %v", err)) },
	}))
	require.NoError(t, err)
	s.Start()
	s.Close()
	s.Close()
	<-s.Done()
	assert.Equal(t, []string{"created", "destroyed <nil>"}, events)
}
