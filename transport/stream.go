package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Stream frames messages over a byte stream (TCP, unix socket, net.Pipe).
//
// Frame format:
//
//	0      3  4  5        9
//	┌──────┬──┬──┬────────┬────────────────┐
//	│magic │v │k │ length │  payload ...   │
//	│ clt  │01│  │ uint32 │  length bytes  │
//	└──────┴──┴──┴────────┴────────────────┘
//
// k is frameData or frameHeartbeat. Heartbeat frames carry no payload and never reach
// Receive; they only keep the peer's read deadline from expiring.
type Stream struct {
	conn net.Conn
	opts Options

	sending sync.Mutex // a frame's header and payload must not interleave with another frame

	incoming chan []byte
	readErr  error // set before incoming is closed

	closeOnce sync.Once
	done      chan struct{}
}

const (
	streamMagic1  byte = 'c'
	streamMagic2  byte = 'l'
	streamMagic3  byte = 't'
	streamVersion byte = 0x01
	streamHeader       = 9

	frameData      byte = 0
	frameHeartbeat byte = 1
)

// NewStream wraps conn and starts its reader and, if configured, its heartbeat loop.
func NewStream(conn net.Conn, opts Options) *Stream {
	s := &Stream{
		conn:     conn,
		opts:     opts.withDefaults(),
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	if s.opts.Heartbeat > 0 {
		go s.heartbeatLoop(s.opts.Heartbeat)
	}
	return s
}

func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if uint64(len(frame)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	s.sending.Lock()
	defer s.sending.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.writeFrame(frameData, frame)
}

// writeFrame must be called with the sending lock held.
func (s *Stream) writeFrame(kind byte, payload []byte) error {
	buf := make([]byte, streamHeader+len(payload))
	buf[0], buf[1], buf[2] = streamMagic1, streamMagic2, streamMagic3
	buf[3] = streamVersion
	buf[4] = kind
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[streamHeader:], payload)
	if _, err := s.conn.Write(buf); err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-s.incoming:
		if !ok {
			return nil, s.readErr
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop is the only reader of conn: frame boundaries can only be found by reading
// the stream sequentially.
func (s *Stream) readLoop() {
	defer close(s.incoming)
	header := make([]byte, streamHeader)
	for {
		if s.opts.Heartbeat > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(3 * s.opts.Heartbeat))
		}
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.readErr = s.wrapReadErr(err)
			return
		}
		if header[0] != streamMagic1 || header[1] != streamMagic2 || header[2] != streamMagic3 {
			s.readErr = fmt.Errorf("%w: magic %x", ErrBadFrame, header[0:3])
			s.conn.Close()
			return
		}
		if header[3] != streamVersion {
			s.readErr = fmt.Errorf("%w: version %d", ErrBadFrame, header[3])
			s.conn.Close()
			return
		}
		length := binary.BigEndian.Uint32(header[5:9])
		if length > s.opts.MaxFrame {
			s.readErr = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
			s.conn.Close()
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.readErr = s.wrapReadErr(err)
			return
		}

		switch header[4] {
		case frameHeartbeat:
			continue
		case frameData:
		default:
			s.readErr = fmt.Errorf("%w: kind %d", ErrBadFrame, header[4])
			s.conn.Close()
			return
		}

		select {
		case s.incoming <- payload:
		case <-s.done:
			s.readErr = ErrClosed
			return
		}
	}
}

func (s *Stream) wrapReadErr(err error) error {
	if s.isClosed() {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: peer closed the connection", ErrClosed)
	}
	return fmt.Errorf("transport: read: %w", err)
}

// heartbeatLoop keeps the peer's read deadline fresh while the session is idle.
func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sending.Lock()
			err := s.writeFrame(frameHeartbeat, nil)
			s.sending.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Pipe returns two connected in-memory stream transports without heartbeats.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	opts := Options{}
	return NewStream(a, opts), NewStream(b, opts)
}

// tcpListener accepts stream transports. One goroutine owns ln.Accept so a cancelled
// Accept call never strands a connection.
type tcpListener struct {
	ln    net.Listener
	opts  Options
	conns chan net.Conn
	err   error // set before conns is closed
}

// ListenTCP listens on addr (":0" picks a free port).
func ListenTCP(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	l := &tcpListener{ln: ln, opts: opts, conns: make(chan net.Conn)}
	go l.acceptLoop()
	return l, nil
}

func (l *tcpListener) acceptLoop() {
	defer close(l.conns)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			l.err = err
			return
		}
		l.conns <- conn
	}
}

func (l *tcpListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case conn, ok := <-l.conns:
		if !ok {
			return nil, l.err
		}
		return NewStream(conn, l.opts), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting. A connection accepted but not yet handed out is closed.
func (l *tcpListener) Close() error {
	err := l.ln.Close()
	go func() {
		for conn := range l.conns {
			conn.Close()
		}
	}()
	return err
}
