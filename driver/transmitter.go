package driver

import (
	"context"
	"errors"
	"sync/atomic"

	"cloudlet-rpc/codec"
	"cloudlet-rpc/message"
	"cloudlet-rpc/reactor"
	"cloudlet-rpc/session"
)

// ResponseTransmitter answers one request. Whatever is published first, a reply or a
// failure, is the answer; later attempts fail with ErrAlreadyReplied.
//
// A handler that answers later, from another goroutine, calls Defer and returns a nil
// outcome. The request then stays in flight until the transmitter publishes or the
// session closes; a handler that returns nil without replying or deferring is failed.
type ResponseTransmitter struct {
	session  *session.Session
	request  *message.Message
	replied  atomic.Bool
	deferred atomic.Bool
	sent     chan struct{}
}

func newTransmitter(s *session.Session, req *message.Message) *ResponseTransmitter {
	return &ResponseTransmitter{session: s, request: req, sent: make(chan struct{})}
}

func (t *ResponseTransmitter) Request() *message.Message  { return t.request }
func (t *ResponseTransmitter) Session() *session.Session { return t.session }
func (t *ResponseTransmitter) Replied() bool              { return t.replied.Load() }
func (t *ResponseTransmitter) Deferred() bool             { return t.deferred.Load() }

// Defer announces that the reply will be published after the handler returns.
func (t *ResponseTransmitter) Defer() *ResponseTransmitter {
	t.deferred.Store(true)
	return t
}

// Published is closed once a reply or failure has been handed to the session.
func (t *ResponseTransmitter) Published() <-chan struct{} { return t.sent }

// Reply sends payload with the request operation's reply specification. A payload the
// reply coder rejects is answered with a codec error instead, so the caller never hangs.
func (t *ResponseTransmitter) Reply(payload any) *reactor.Completion[struct{}] {
	if !t.replied.CompareAndSwap(false, true) {
		return reactor.Rejected[struct{}](ErrAlreadyReplied)
	}
	defer close(t.sent)
	sent := t.session.Reply(t.request, payload)
	if _, err, done := sent.Result(); done && errors.Is(err, codec.ErrPayloadCodec) {
		t.session.Logger().WithField("op", t.request.Operation()).WithError(err).Warn("reply payload rejected")
		return t.session.ReplyError(t.request, session.KindCodec, err)
	}
	return sent
}

// Fail sends an error reply; the kind comes from session.KindOf(err).
func (t *ResponseTransmitter) Fail(err error) *reactor.Completion[struct{}] {
	if !t.replied.CompareAndSwap(false, true) {
		return reactor.Rejected[struct{}](ErrAlreadyReplied)
	}
	defer close(t.sent)
	return t.session.ReplyError(t.request, "", err)
}

func (t *ResponseTransmitter) Publish(outcome *message.Outcome) *reactor.Completion[struct{}] {
	if outcome.Err != nil {
		return t.Fail(outcome.Err)
	}
	return t.Reply(outcome.Payload)
}

type ctxKey int

const (
	sessionKey ctxKey = iota
	transmitterKey
)

// SessionFrom returns the session a request or notification arrived on.
func SessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

// TransmitterFrom returns the transmitter of the request being handled. Handlers that
// answer through it, now or after Defer, return a nil outcome.
func TransmitterFrom(ctx context.Context) *ResponseTransmitter {
	t, _ := ctx.Value(transmitterKey).(*ResponseTransmitter)
	return t
}
