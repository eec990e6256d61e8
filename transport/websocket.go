package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket carries one channel message per binary websocket message.
type WebSocket struct {
	conn *websocket.Conn

	sending sync.Mutex // gorilla allows one concurrent writer

	incoming chan []byte
	readErr  error

	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxFrame))
	w := &WebSocket{
		conn:     conn,
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	if opts.Heartbeat > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(3 * opts.Heartbeat))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(3 * opts.Heartbeat))
		})
		go w.pingLoop(opts.Heartbeat)
	}
	go w.readLoop()
	return w
}

func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	w.sending.Lock()
	defer w.sending.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if w.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-w.incoming:
		if !ok {
			return nil, w.readErr
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WebSocket) readLoop() {
	defer close(w.incoming)
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			switch {
			case w.isClosed():
				w.readErr = ErrClosed
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				w.readErr = fmt.Errorf("%w: peer closed the connection", ErrClosed)
			case errors.Is(err, websocket.ErrReadLimit):
				w.readErr = fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
			default:
				w.readErr = fmt.Errorf("transport: websocket read: %w", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case w.incoming <- data:
		case <-w.done:
			w.readErr = ErrClosed
			return
		}
	}
}

func (w *WebSocket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.sending.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.sending.Unlock()
		err = w.conn.Close()
	})
	return err
}

// WebSocketListener is an http.Handler that upgrades requests into transports. Mount it
// at SessionPath on any router.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	opts     Options
	addr     string
	conns    chan *WebSocket

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketListener returns a listener reporting addr as its address.
func NewWebSocketListener(addr string, opts Options) *WebSocketListener {
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:  opts,
		addr:  addr,
		conns: make(chan *WebSocket),
		done:  make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(rw, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		return
	}
	ws := NewWebSocket(conn, l.opts)
	select {
	case l.conns <- ws:
	case <-l.done:
		ws.Close()
	case <-r.Context().Done():
		ws.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case ws := <-l.conns:
		return ws, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() string {
	return l.addr
}

func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
