// Package gameserver runs the per-connection message loop that ties accounts,
// matchmaking, and match rooms together.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/game/match"
	"github.com/cory-johannsen/blockbattle/internal/game/matchmaking"
	"github.com/cory-johannsen/blockbattle/internal/game/session"
	"github.com/cory-johannsen/blockbattle/internal/observability"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
	"github.com/cory-johannsen/blockbattle/internal/transport/ws"
)

// storeTimeout bounds each account store call.
const storeTimeout = 5 * time.Second

// Reply texts shown to clients.
const (
	msgRegistered         = "Registration successful"
	msgUsernameTaken      = "Username already exists"
	msgEmailTaken         = "Email already registered"
	msgRegisterFailed     = "Registration failed"
	msgLoggedIn           = "Login successful"
	msgInvalidCredentials = "Invalid username or password"
	msgLoginFailed        = "Login failed"
	msgSessionInvalid     = "Session expired or invalid"
)

// AccountStore is the durable store the server authenticates against and
// records results in.
//
// Postcondition (all methods): errors are classified with the account error
// taxonomy.
type AccountStore interface {
	Register(ctx context.Context, username, password, email string) (int64, error)
	Login(ctx context.Context, username, password string) (account.LoginResult, error)
	ValidateSession(ctx context.Context, sessionID string) (account.Profile, bool, error)
	CommitResult(ctx context.Context, player1ID, player2ID, winnerID int64, durationSeconds int) (account.GameRecord, error)
}

// Conn is one live client connection.
type Conn interface {
	session.Transport
	ReadMessage() ([]byte, error)
}

// SessionServer dispatches inbound envelopes for every connection.
// All methods are safe for concurrent use.
type SessionServer struct {
	store    AccountStore
	sessions *session.Manager
	queue    *matchmaking.Queue
	settle   time.Duration
	logger   *zap.Logger
}

// NewSessionServer creates a SessionServer.
//
// Precondition: store, sessions, queue, and logger must be non-nil.
// Postcondition: Returns a server ready to handle connections.
func NewSessionServer(store AccountStore, sessions *session.Manager, queue *matchmaking.Queue, cfg config.ServerConfig, logger *zap.Logger) *SessionServer {
	return &SessionServer{
		store:    store,
		sessions: sessions,
		queue:    queue,
		settle:   cfg.SettleDelay,
		logger:   logger,
	}
}

// client is the per-connection state owned by one HandleSession call.
type client struct {
	conn Conn
	sess *session.ConnectionSession
}

// HandleSession implements ws.SessionHandler.
func (s *SessionServer) HandleSession(ctx context.Context, conn *ws.Conn) error {
	return s.Serve(ctx, conn)
}

// Serve runs the message loop for conn until the peer disconnects, the
// transport fails, or a disconnect message arrives.
//
// Postcondition: Any session bound to conn has left the queue, forfeited its
// match, and been removed from the registry. Returns nil on a graceful
// disconnect and the transport error otherwise.
func (s *SessionServer) Serve(ctx context.Context, conn Conn) error {
	c := &client{conn: conn}
	defer s.teardown(ctx, c)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading from %s: %w", conn.RemoteAddr(), err)
		}
		if s.step(ctx, c, data) {
			return nil
		}
	}
}

// step handles one frame. It reports true when the connection should close.
func (s *SessionServer) step(ctx context.Context, c *client, data []byte) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling message",
				zap.String("remote_addr", c.conn.RemoteAddr()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			stop = false
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		observability.RecordInbound("malformed")
		s.logger.Warn("malformed envelope",
			zap.String("remote_addr", c.conn.RemoteAddr()),
			zap.Error(err),
		)
		return false
	}

	switch m := msg.(type) {
	case protocol.Register:
		observability.RecordInbound(m.Type())
		s.handleRegister(ctx, c, m)
	case protocol.Login:
		observability.RecordInbound(m.Type())
		s.handleLogin(ctx, c, m)
	case protocol.ValidateSession:
		observability.RecordInbound(m.Type())
		s.handleValidateSession(ctx, c, m)
	case protocol.FindMatch:
		observability.RecordInbound(m.Type())
		s.handleFindMatch(c, m)
	case protocol.CancelMatch:
		observability.RecordInbound(m.Type())
		s.handleCancelMatch(c)
	case protocol.GameState:
		observability.RecordInbound(m.Type())
		s.handleGameState(c, m)
	case protocol.GameEnd:
		observability.RecordInbound(m.Type())
		s.handleGameEnd(ctx, c, m)
	case protocol.Disconnect:
		observability.RecordInbound(m.Type())
		return true
	case protocol.Unrecognized:
		observability.RecordInbound("unrecognized")
		s.logger.Warn("unrecognized message type",
			zap.String("remote_addr", c.conn.RemoteAddr()),
			zap.String("type", m.Tag),
		)
	}
	return false
}

func (s *SessionServer) reply(c *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err == nil {
		err = c.conn.Send(data)
	}
	if err != nil {
		s.logger.Warn("sending reply",
			zap.String("remote_addr", c.conn.RemoteAddr()),
			zap.String("type", msg.Type()),
			zap.Error(err),
		)
	}
}

func (s *SessionServer) handleRegister(ctx context.Context, c *client, m protocol.Register) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	id, err := s.store.Register(ctx, m.Username, m.Password, m.Email)
	if err != nil {
		s.logger.Info("registration rejected", zap.String("username", m.Username), zap.Error(err))
		s.reply(c, protocol.RegisterResponse{Success: false, Message: registerFailureText(err)})
		return
	}
	s.logger.Info("user registered", zap.String("username", m.Username), zap.Int64("user_id", id))
	s.reply(c, protocol.RegisterResponse{Success: true, Message: msgRegistered})
}

func registerFailureText(err error) string {
	switch {
	case errors.Is(err, account.ErrDuplicateUsername):
		return msgUsernameTaken
	case errors.Is(err, account.ErrDuplicateEmail):
		return msgEmailTaken
	case errors.Is(err, account.ErrValidation):
		return err.Error()
	}
	return msgRegisterFailed
}

func (s *SessionServer) handleLogin(ctx context.Context, c *client, m protocol.Login) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	res, err := s.store.Login(ctx, m.Username, m.Password)
	if err != nil {
		text := msgLoginFailed
		if errors.Is(err, account.ErrAuth) {
			text = msgInvalidCredentials
			s.logger.Info("login rejected", zap.String("username", m.Username))
		} else {
			s.logger.Error("login failed", zap.String("username", m.Username), zap.Error(err))
		}
		s.reply(c, protocol.LoginResponse{Success: false, Message: text})
		return
	}

	s.bind(ctx, c, res.Profile)
	profile := res.Profile
	s.reply(c, protocol.LoginResponse{
		Success:   true,
		SessionID: res.SessionID,
		User:      &profile,
		Message:   msgLoggedIn,
	})
}

func (s *SessionServer) handleValidateSession(ctx context.Context, c *client, m protocol.ValidateSession) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	profile, ok, err := s.store.ValidateSession(ctx, m.SessionID)
	if err != nil {
		s.logger.Error("validating session", zap.Error(err))
		ok = false
	}
	if !ok {
		s.reply(c, protocol.SessionValidResponse{Success: false, Message: msgSessionInvalid})
		return
	}

	s.bind(ctx, c, profile)
	s.reply(c, protocol.SessionValidResponse{Success: true, User: &profile})
}

// bind replaces any session on c with a fresh one for profile.
func (s *SessionServer) bind(ctx context.Context, c *client, profile account.Profile) {
	if c.sess != nil {
		s.teardown(ctx, c)
	}
	sess := session.New(c.conn, profile)
	c.sess = sess
	if prev := s.sessions.Add(sess); prev != nil {
		s.queue.Cancel(prev)
		s.logger.Info("user session replaced by new connection",
			zap.Int64("user_id", profile.UserID),
			zap.String("previous_addr", prev.RemoteAddr()),
		)
	}
	observability.SetSessionsActive(s.sessions.Count())
	s.logger.Info("player authenticated",
		zap.String("username", sess.Username),
		zap.Int64("user_id", sess.UserID),
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", c.conn.RemoteAddr()),
	)
}

func (s *SessionServer) handleFindMatch(c *client, m protocol.FindMatch) {
	if c.sess == nil {
		s.ignore(c, m)
		return
	}
	if c.sess.InMatch() {
		s.logger.Debug("find_match while in a match ignored", zap.String("username", c.sess.Username))
		return
	}
	if m.MapPreference != "" {
		s.logger.Debug("map preference noted",
			zap.String("username", c.sess.Username),
			zap.String("map_preference", m.MapPreference),
		)
	}

	for {
		partner, _ := s.queue.Enqueue(c.sess)
		if partner == nil || s.startMatch(c.sess, partner) {
			return
		}
	}
}

// startMatch opens a room for a freshly paired couple. It reports false when
// partner was torn down after leaving the queue, in which case the caller
// should queue sess again.
func (s *SessionServer) startMatch(sess, partner *session.ConnectionSession) bool {
	room, err := match.New(sess, partner, s.store, s.logger, match.WithSettleDelay(s.settle))
	if err != nil {
		s.logger.Info("opponent left before match start",
			zap.String("username", sess.Username),
			zap.String("opponent", partner.Username),
			zap.Error(err),
		)
		return false
	}
	room.Start()
	return true
}

func (s *SessionServer) handleCancelMatch(c *client) {
	if c.sess == nil {
		s.ignore(c, protocol.CancelMatch{})
		return
	}
	s.queue.Cancel(c.sess)
	s.reply(c, protocol.MatchmakingCancelled{})
}

func (s *SessionServer) handleGameState(c *client, m protocol.GameState) {
	room := s.activeRoom(c, m)
	if room == nil {
		return
	}
	if err := room.Relay(c.sess, m.State); err != nil {
		s.logger.Warn("relaying game state",
			zap.String("username", c.sess.Username),
			zap.String("match_id", room.ID()),
			zap.Error(err),
		)
	}
}

func (s *SessionServer) handleGameEnd(ctx context.Context, c *client, m protocol.GameEnd) {
	room := s.activeRoom(c, m)
	if room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := room.Report(ctx, c.sess, m.Result); err != nil {
		s.logger.Warn("rejected game result",
			zap.String("username", c.sess.Username),
			zap.String("match_id", room.ID()),
			zap.String("result", m.Result),
			zap.Error(err),
		)
	}
}

// activeRoom returns the room of an authenticated, in-match sender, or nil.
func (s *SessionServer) activeRoom(c *client, m protocol.Inbound) session.Room {
	if c.sess == nil {
		s.ignore(c, m)
		return nil
	}
	room := c.sess.Room()
	if room == nil {
		s.logger.Debug("game message outside a match ignored",
			zap.String("username", c.sess.Username),
			zap.String("type", m.Type()),
		)
	}
	return room
}

func (s *SessionServer) ignore(c *client, m protocol.Inbound) {
	s.logger.Debug("unauthenticated message ignored",
		zap.String("remote_addr", c.conn.RemoteAddr()),
		zap.String("type", m.Type()),
	)
}

// teardown detaches c's session from the queue, its match, and the registry.
func (s *SessionServer) teardown(ctx context.Context, c *client) {
	sess := c.sess
	if sess == nil {
		return
	}
	c.sess = nil

	room := sess.MarkClosed()
	s.queue.Cancel(sess)
	if room != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		room.Forfeit(fctx, sess)
		cancel()
	}
	s.sessions.Remove(sess)
	observability.SetSessionsActive(s.sessions.Count())

	s.logger.Info("player disconnected",
		zap.String("username", sess.Username),
		zap.Int64("user_id", sess.UserID),
		zap.String("session_id", sess.ID),
	)
}
