// Package transport moves opaque encoded channel messages between two endpoints.
//
// A Transport is message-oriented: every Send delivers exactly one Receive on the peer,
// in order. Sessions sit on top of it and never see connection details:
//
//	session ──Send([]byte)──► Stream (net.Conn, length-prefixed) ──► Receive ──► session
//	session ──Send([]byte)──► WebSocket (one binary message each) ──► Receive ──► session
//
// Implementations must allow one concurrent Send and one concurrent Receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrBadFrame      = errors.New("transport: bad stream frame")
)

type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Options tune the stream and websocket transports.
type Options struct {
	// Heartbeat is the interval between keepalive frames on a stream. Zero disables them.
	// When set, a peer silent for three intervals is treated as gone.
	Heartbeat time.Duration
	// MaxFrame bounds one received frame.
	MaxFrame uint32
}

func DefaultOptions() Options {
	return Options{Heartbeat: 30 * time.Second, MaxFrame: 32 << 20}
}

func (o Options) withDefaults() Options {
	if o.MaxFrame == 0 {
		o.MaxFrame = DefaultOptions().MaxFrame
	}
	return o
}

// Network names accepted by Dial and Listen.
const (
	NetworkTCP       = "tcp"
	NetworkWebSocket = "ws"
)

// SessionPath is where drivers accept websocket sessions.
const SessionPath = "/session"

// Dial opens a transport to addr. For "ws" addr is host:port and the driver's SessionPath
// is dialed.
func Dial(ctx context.Context, network, addr string, opts Options) (Transport, error) {
	switch network {
	case NetworkTCP, "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		return NewStream(conn, opts), nil
	case NetworkWebSocket:
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+SessionPath, nil)
		if err != nil {
			return nil, fmt.Errorf("transport: dial ws %s: %w", addr, err)
		}
		return NewWebSocket(conn, opts), nil
	}
	return nil, fmt.Errorf("transport: unknown network %q", network)
}

// Listener yields one Transport per accepted peer.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Addr() string
	Close() error
}
