package transport

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func exchange(t *testing.T, a, b Transport) {
	t.Helper()
	ctx := testCtx(t)
	go func() {
		for i := 0; i < 50; i++ {
			assert.NoError(t, a.Send(ctx, []byte(fmt.Sprintf("frame-%d", i))))
		}
		assert.NoError(t, a.Send(ctx, nil))
	}()
	for i := 0; i < 50; i++ {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(got))
	}
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPipeOrdering(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	exchange(t, a, b)
	exchange(t, b, a)
}

func TestStreamCloseUnblocksPeer(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())

	_, err := b.Receive(testCtx(t))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Send(testCtx(t), []byte("x")), ErrClosed)
}

func TestStreamRejectsForeignBytes(t *testing.T) {
	client, server := net.Pipe()
	s := NewStream(server, Options{})
	defer s.Close()

	go client.Write([]byte("GET / HTTP/1.1\r\n"))
	_, err := s.Receive(testCtx(t))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestStreamFrameLimit(t *testing.T) {
	client, server := net.Pipe()
	sender := NewStream(client, Options{})
	receiver := NewStream(server, Options{MaxFrame: 8})
	defer sender.Close()
	defer receiver.Close()

	go sender.Send(testCtx(t), make([]byte, 9))
	_, err := receiver.Receive(testCtx(t))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStreamHeartbeatKeepsIdleSessionAlive(t *testing.T) {
	client, server := net.Pipe()
	opts := Options{Heartbeat: 20 * time.Millisecond}
	a := NewStream(client, opts)
	b := NewStream(server, opts)
	defer a.Close()
	defer b.Close()

	// idle for several deadline windows
	time.Sleep(200 * time.Millisecond)
	ctx := testCtx(t)
	go a.Send(ctx, []byte("still here"))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestTCPDialAndListen(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	ctx := testCtx(t)
	accepted := make(chan Transport, 1)
	go func() {
		tr, err := ln.Accept(ctx)
		assert.NoError(t, err)
		accepted <- tr
	}()

	client, err := Dial(ctx, NetworkTCP, ln.Addr(), Options{})
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	exchange(t, client, server)

	require.NoError(t, ln.Close())
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketDialAndListen(t *testing.T) {
	ln := NewWebSocketListener("", Options{})
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	ctx := testCtx(t)
	accepted := make(chan Transport, 1)
	go func() {
		tr, err := ln.Accept(ctx)
		assert.NoError(t, err)
		accepted <- tr
	}()

	client, err := Dial(ctx, NetworkWebSocket, strings.TrimPrefix(srv.URL, "http://"), Options{})
	require.NoError(t, err)
	server := <-accepted

	exchange(t, client, server)
	exchange(t, server, client)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	server.Close()
}

func TestDialUnknownNetwork(t *testing.T) {
	_, err := Dial(testCtx(t), "udp", "127.0.0.1:1", Options{})
	assert.Error(t, err)
}
