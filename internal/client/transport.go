package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live connection to the server. ReadMessage and
// WriteMessage may be called concurrently with each other, but neither may be
// called concurrently with itself.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WSDialer dials websocket transports with gorilla/websocket.
//
// When PingInterval is positive each transport pings the server on that
// period, and a read fails once nothing, pongs included, has arrived for
// PongWait.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
}

// Dial connects to url.
//
// Postcondition: Returns an open Transport or a TransportError.
func (d WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	t := &wsTransport{conn: conn, writeTimeout: d.WriteTimeout, stop: make(chan struct{})}
	if d.PingInterval > 0 {
		t.keepalive(d.PingInterval, d.PongWait)
	}
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// keepalive arms the read deadline and starts the pinger. Pings go out via
// WriteControl, which gorilla allows concurrently with WriteMessage.
func (t *wsTransport) keepalive(interval, wait time.Duration) {
	t.pongWait = wait
	_ = t.conn.SetReadDeadline(time.Now().Add(wait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
					return
				}
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	if t.pongWait > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

// TransportError wraps a dial, send, or receive failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
