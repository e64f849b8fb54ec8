// Package ws serves battle connections over WebSocket text frames.
package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport errors.
var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// TransportError reports a failed read or write on a live connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnOptions tunes keepalive and buffering for one connection.
type ConnOptions struct {
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Conn wraps a WebSocket with a bounded outbound queue drained by a writer
// pump. Reads happen on the caller's goroutine.
type Conn struct {
	ws   *websocket.Conn
	id   string
	opts ConnOptions

	send   chan []byte
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewConn wraps ws and starts its writer pump.
//
// Precondition: ws must be an open, upgraded connection.
// Postcondition: Returns a Conn whose read deadline is extended by every pong.
func NewConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	c := &Conn{
		ws:   ws,
		id:   uuid.NewString(),
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	go c.writePump()
	return c
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// ReadMessage blocks for the next frame.
//
// Postcondition: Returns the frame payload, or a TransportError once the peer
// closes, the pong deadline passes, or the connection is closed locally.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		c.extendReadDeadline()
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send queues data for the writer pump.
//
// Precondition: data must be a complete encoded frame.
// Postcondition: data is queued, or ErrConnClosed / ErrSendBufferFull is returned.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting frames. The writer pump flushes what is queued, sends
// a close frame, and closes the socket.
//
// Postcondition: Further Send calls return ErrConnClosed. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// Done is closed once the writer pump has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) extendReadDeadline() {
	if c.opts.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
}

func (c *Conn) writeDeadline() time.Time {
	if c.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.WriteTimeout)
}

func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer close(c.done)
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.writeDeadline())
				return
			}
			_ = c.ws.SetWriteDeadline(c.writeDeadline())
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				c.drain()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
				c.Close()
				c.drain()
				return
			}
		}
	}
}

func (c *Conn) drain() {
	for range c.send {
	}
}
