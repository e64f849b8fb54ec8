// Package client implements the player-side connection manager: one live
// transport at a time, automatic reconnection with exponential backoff, an
// offline send queue, and per-type message callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
)

var (
	// ErrReconnectExhausted is reported by Err after the client gave up reconnecting.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned by Send once the client has stopped.
	ErrClosed = errors.New("client closed")
)

// sendBuffer is the extra outbox room allowed while connected, for frames
// waiting on a write in progress. It also sizes the inbound buffer.
const sendBuffer = 16

// HandlerFunc handles one server message. The envelope body can be decoded
// with Envelope.Into.
type HandlerFunc func(env protocol.Envelope)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	Connected    bool
	Reconnecting bool
	Attempts     int
	Queued       int
	LastActivity time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBackOff replaces the reconnect schedule.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// WithClock overrides the time source used for LastActivity.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client maintains the connection to the battle server.
//
// All connection state is owned by a single goroutine started by Start.
// Exported methods are safe for concurrent use.
type Client struct {
	url         string
	dialer      Dialer
	maxAttempts int
	queueSize   int
	newBackOff  func() backoff.BackOff
	after       func(time.Duration) <-chan time.Time
	now         func() time.Time
	logger      *zap.Logger

	wake         chan struct{}
	quitCh       chan struct{}
	inbound      chan []byte
	done         chan struct{}
	dispatchDone chan struct{}

	startOnce sync.Once
	quitOnce  sync.Once
	cancel    context.CancelFunc

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	smu    sync.Mutex
	status Status
	err    error

	// omu guards outbox, the encoded frames not yet written. Only the run
	// goroutine removes from it.
	omu    sync.Mutex
	outbox [][]byte

	// Owned by the run goroutine.
	attempts int
}

// New creates a Client for cfg.URL. A nil dialer dials real websockets.
//
// Precondition: cfg must be valid; logger must be non-nil.
// Postcondition: Returns an idle client; call Start to connect.
func New(cfg config.ClientConfig, dialer Dialer, logger *zap.Logger, opts ...Option) *Client {
	if dialer == nil {
		dialer = WSDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
			PongWait:         cfg.PongWait,
		}
	}
	c := &Client{
		url:          cfg.URL,
		dialer:       dialer,
		maxAttempts:  cfg.MaxReconnectAttempts,
		queueSize:    cfg.QueueSize,
		newBackOff:   ReconnectBackOff(cfg.BackoffUnit, cfg.MaxBackoff),
		after:        time.After,
		now:          time.Now,
		logger:       logger,
		wake:         make(chan struct{}, 1),
		quitCh:       make(chan struct{}),
		inbound:      make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		handlers:     make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReconnectBackOff returns a factory for the reconnect schedule: the wait
// before attempt n is min(2^n * unit, maxWait), without jitter.
func ReconnectBackOff(unit, maxWait time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     2 * unit,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         maxWait,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		b.Reset()
		return b
	}
}

// Start connects in the background. Calling Start more than once, or after
// Close, has no effect.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
		go c.dispatchLoop()
	})
}

// Close stops the client without sending disconnect and waits for its
// goroutines to exit.
func (c *Client) Close() {
	c.startOnce.Do(func() {
		close(c.done)
		close(c.dispatchDone)
	})
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	<-c.dispatchDone
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns ErrReconnectExhausted if the client gave up, and nil otherwise.
func (c *Client) Err() error {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.err
}

// Status returns the current connection snapshot without blocking on I/O.
func (c *Client) Status() Status {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.status
}

// RegisterHandler sets the callback for msgType, replacing any earlier one.
// Callbacks run one at a time in arrival order.
func (c *Client) RegisterHandler(msgType string, fn HandlerFunc) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[msgType] = fn
}

// Send transmits msg now if connected, or queues it for the next connection.
// It never waits on the network.
//
// Postcondition: Returns ErrClosed once the client has stopped. A full offline
// queue drops msg with a warning. Otherwise msg is counted in Status().Queued
// until it has been written.
func (c *Client) Send(msg protocol.Inbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	limit := c.queueSize
	if c.Status().Connected {
		limit += sendBuffer
	}
	c.omu.Lock()
	if len(c.outbox) >= limit {
		c.omu.Unlock()
		c.logger.Warn("offline queue full, dropping message",
			zap.String("type", msg.Type()),
			zap.Int("queue_size", c.queueSize),
		)
		return nil
	}
	c.outbox = append(c.outbox, data)
	n := len(c.outbox)
	c.update(func(s *Status) { s.Queued = n })
	c.omu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Register requests a new account. email may be empty.
func (c *Client) Register(username, password, email string) error {
	return c.Send(protocol.Register{Username: username, Password: password, Email: email})
}

// Login requests a durable session.
func (c *Client) Login(username, password string) error {
	return c.Send(protocol.Login{Username: username, Password: password})
}

// ValidateSession resumes a saved session.
func (c *Client) ValidateSession(sessionID string) error {
	return c.Send(protocol.ValidateSession{SessionID: sessionID})
}

// FindMatch joins matchmaking.
func (c *Client) FindMatch(mapPreference string) error {
	return c.Send(protocol.FindMatch{MapPreference: mapPreference})
}

// CancelMatch leaves matchmaking.
func (c *Client) CancelMatch() error {
	return c.Send(protocol.CancelMatch{})
}

// SendGameState relays state, encoded as JSON, to the opponent.
func (c *Client) SendGameState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding game state: %w", err)
	}
	return c.Send(protocol.GameState{State: raw})
}

// SendGameEnd reports this player's result, "win" or "lose".
func (c *Client) SendGameEnd(result string) error {
	return c.Send(protocol.GameEnd{Result: result})
}

// Disconnect sends disconnect if connected and stops without reconnecting.
//
// Precondition: Start has been called.
// Postcondition: Done is closed and Err returns nil.
func (c *Client) Disconnect() {
	c.quitOnce.Do(func() { close(c.quitCh) })
	<-c.done
	<-c.dispatchDone
}

// AutoLogin sends validate_session for the session saved in store.
//
// Postcondition: Returns false when nothing is saved.
func (c *Client) AutoLogin(store SessionLoader) (bool, error) {
	saved, ok := store.Load()
	if !ok {
		return false, nil
	}
	c.logger.Info("resuming saved session", zap.String("username", saved.User.Username))
	return true, c.ValidateSession(saved.SessionID)
}

func (c *Client) update(fn func(*Status)) {
	c.smu.Lock()
	defer c.smu.Unlock()
	fn(&c.status)
}

func (c *Client) touch() {
	now := c.now()
	c.update(func(s *Status) { s.LastActivity = now })
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.update(func(s *Status) {
		s.Connected = false
		s.Reconnecting = false
	})

	bo := c.newBackOff()
	first := true
	for {
		if !first {
			if c.attempts >= c.maxAttempts {
				c.logger.Error("max reconnection attempts reached", zap.Int("attempts", c.attempts))
				c.smu.Lock()
				c.err = ErrReconnectExhausted
				c.smu.Unlock()
				return
			}
			c.attempts++
			wait := bo.NextBackOff()
			attempts := c.attempts
			c.update(func(s *Status) {
				s.Connected = false
				s.Reconnecting = true
				s.Attempts = attempts
			})
			c.logger.Info("reconnecting",
				zap.Duration("wait", wait),
				zap.Int("attempt", c.attempts),
				zap.Int("max_attempts", c.maxAttempts),
			)
			if c.wait(ctx, wait) {
				return
			}
		}
		first = false

		t, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || c.quitting() {
				return
			}
			c.logger.Warn("connecting to server", zap.String("url", c.url), zap.Error(err))
			continue
		}

		c.attempts = 0
		bo.Reset()
		now := c.now()
		c.update(func(s *Status) {
			s.Connected = true
			s.Reconnecting = false
			s.Attempts = 0
			s.LastActivity = now
		})
		c.logger.Info("connected to server", zap.String("url", c.url))

		if c.serve(ctx, t) {
			return
		}
	}
}

// wait sleeps for d. It reports true when the client should stop.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.after(d):
		return false
	case <-c.quitCh:
		return true
	case <-ctx.Done():
		return true
	}
}

// dial makes one connection attempt. Disconnect cancels it.
func (c *Client) dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.quitCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return c.dialer.Dial(ctx, c.url)
}

func (c *Client) quitting() bool {
	select {
	case <-c.quitCh:
		return true
	default:
		return false
	}
}

// serve owns t until it fails or the client stops. It reports true when the
// client should stop.
func (c *Client) serve(ctx context.Context, t Transport) bool {
	gone := make(chan struct{})
	readErr := make(chan error, 1)
	go c.read(t, gone, readErr)
	defer func() {
		close(gone)
		_ = t.Close()
		c.update(func(s *Status) { s.Connected = false })
	}()

	if n := c.pending(); n > 0 {
		c.logger.Info("sending queued messages", zap.Int("count", n))
	}
	for {
		if err := c.flush(t); err != nil {
			c.logger.Warn("send failed, queueing for retry", zap.Error(err))
			return false
		}
		select {
		case <-c.wake:
		case err := <-readErr:
			c.logger.Warn("connection lost", zap.Error(err))
			return false
		case <-c.quitCh:
			if err := c.flush(t); err != nil {
				c.logger.Warn("sending queued messages before disconnect", zap.Error(err))
			}
			if data, err := protocol.Encode(protocol.Disconnect{}); err == nil {
				_ = t.WriteMessage(data)
			}
			c.logger.Info("disconnected from server")
			return true
		case <-ctx.Done():
			return true
		}
	}
}

func (c *Client) read(t Transport, gone <-chan struct{}, errc chan<- error) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		c.touch()
		select {
		case c.inbound <- data:
		case <-gone:
			return
		}
	}
}

func (c *Client) pending() int {
	c.omu.Lock()
	defer c.omu.Unlock()
	return len(c.outbox)
}

// flush writes the outbox in order. A frame leaves the outbox only after its
// write succeeds, so a failed frame is retried first on the next connection.
func (c *Client) flush(t Transport) error {
	for {
		c.omu.Lock()
		if len(c.outbox) == 0 {
			c.omu.Unlock()
			return nil
		}
		data := c.outbox[0]
		c.omu.Unlock()

		if err := t.WriteMessage(data); err != nil {
			return err
		}

		c.omu.Lock()
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
		n := len(c.outbox)
		c.update(func(s *Status) { s.Queued = n })
		c.omu.Unlock()
	}
}

func (c *Client) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case data := <-c.inbound:
			c.dispatch(data)
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("malformed message from server", zap.Error(err))
		return
	}

	c.hmu.RLock()
	fn := c.handlers[env.Type]
	c.hmu.RUnlock()
	if fn == nil {
		c.logger.Debug("no handler for message type", zap.String("type", env.Type))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				zap.String("type", env.Type),
				zap.Any("panic", r),
			)
		}
	}()
	fn(env)
}
