// Package match runs one two-player match from start to committed result.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/game/session"
	"github.com/cory-johannsen/blockbattle/internal/observability"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
)

// DefaultSettleDelay is how long End waits after notifying both players.
const DefaultSettleDelay = 100 * time.Millisecond

var (
	// ErrNotParticipant is returned when a session outside the room acts on it.
	ErrNotParticipant = errors.New("session is not in this match")
	// ErrPlayerGone is returned by New when a player was torn down before the
	// room could bind them.
	ErrPlayerGone = errors.New("player disconnected before the match started")
)

// State is a room's lifecycle phase.
type State int

// Room states. Ended is terminal.
const (
	StateCreated State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// ResultRecorder persists a finished match.
type ResultRecorder interface {
	CommitResult(ctx context.Context, player1ID, player2ID, winnerID int64, durationSeconds int) (account.GameRecord, error)
}

// Option configures a Room.
type Option func(*Room)

// WithClock replaces the wall clock used for match duration.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithSettleDelay overrides DefaultSettleDelay. Zero disables the wait.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Room) { r.settle = d }
}

// Room relays snapshots between two sessions and settles the result once.
// All methods are safe for concurrent use.
type Room struct {
	id       string
	players  [2]*session.ConnectionSession
	recorder ResultRecorder
	logger   *zap.Logger
	now      func() time.Time
	settle   time.Duration

	mu      sync.Mutex
	state   State
	started time.Time
}

// New creates a room for a and b and binds both sessions to it.
//
// Precondition: a and b are distinct authenticated sessions; recorder and
// logger must be non-nil.
// Postcondition: Both sessions report InMatch and the room is in StateCreated,
// or the error is ErrPlayerGone and neither session is bound.
func New(a, b *session.ConnectionSession, recorder ResultRecorder, logger *zap.Logger, opts ...Option) (*Room, error) {
	r := &Room{
		id:       uuid.NewString(),
		players:  [2]*session.ConnectionSession{a, b},
		recorder: recorder,
		now:      time.Now,
		settle:   DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.With(zap.String("match_id", r.id))
	r.started = r.now()

	if !a.Attach(r) {
		return nil, fmt.Errorf("binding %s: %w", a.Username, ErrPlayerGone)
	}
	if !b.Attach(r) {
		a.Release(r)
		return nil, fmt.Errorf("binding %s: %w", b.Username, ErrPlayerGone)
	}
	r.logger.Info("match created",
		zap.String("player1", a.Username),
		zap.String("player2", b.Username),
	)
	return r, nil
}

// ID returns the match identifier.
func (r *Room) ID() string { return r.id }

// Players returns both sessions in player_id order.
func (r *Room) Players() [2]*session.ConnectionSession { return r.players }

// State returns the current lifecycle phase.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ended reports whether the result has been settled.
func (r *Room) Ended() bool { return r.State() == StateEnded }

// Opponent returns the other participant, or nil when s is not in the room.
func (r *Room) Opponent(s *session.ConnectionSession) *session.ConnectionSession {
	switch s {
	case r.players[0]:
		return r.players[1]
	case r.players[1]:
		return r.players[0]
	}
	return nil
}

// Start tells each player who they face and which side they are.
//
// Postcondition: The room is StateActive unless it already ended.
func (r *Room) Start() {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return
	}
	r.state = StateActive
	r.started = r.now()
	r.mu.Unlock()

	observability.RecordMatchStarted()
	for i, p := range r.players {
		opp := r.players[1-i]
		err := p.Send(protocol.GameStart{
			Opponent: protocol.Opponent{Username: opp.Username, Stats: opp.Stats()},
			PlayerID: i,
		})
		if err != nil {
			r.logger.Warn("sending game start", zap.String("username", p.Username), zap.Error(err))
		}
	}
}

// Relay forwards from's snapshot to the other player without inspecting it.
//
// Postcondition: Returns nil without sending once the room has ended.
func (r *Room) Relay(from *session.ConnectionSession, state json.RawMessage) error {
	to := r.Opponent(from)
	if to == nil {
		return ErrNotParticipant
	}
	if r.Ended() {
		return nil
	}
	return to.Send(protocol.GameStateRelay{State: state})
}

// Report ends the match from from's self-reported result.
//
// Precondition: result is "win" or "lose".
// Postcondition: Returns an ErrValidation error for any other result and
// ErrNotParticipant for outsiders. A report after the end is a no-op.
func (r *Room) Report(ctx context.Context, from *session.ConnectionSession, result string) error {
	opp := r.Opponent(from)
	if opp == nil {
		return ErrNotParticipant
	}
	switch result {
	case protocol.ResultWin:
		r.end(ctx, from, observability.EndReasonReported)
	case protocol.ResultLose:
		r.end(ctx, opp, observability.EndReasonReported)
	default:
		return account.Validationf("unknown game result %q", result)
	}
	return nil
}

// Forfeit ends the match with leaver's opponent as winner.
//
// Postcondition: Returns true when this call ended the match, in which case the
// opponent has also been sent opponent_disconnected.
func (r *Room) Forfeit(ctx context.Context, leaver *session.ConnectionSession) bool {
	opp := r.Opponent(leaver)
	if opp == nil {
		return false
	}
	if !r.end(ctx, opp, observability.EndReasonForfeit) {
		return false
	}
	if err := opp.Send(protocol.OpponentDisconnected{}); err != nil {
		r.logger.Warn("sending forfeit notice", zap.String("username", opp.Username), zap.Error(err))
	}
	return true
}

// End settles the match with winner as victor.
//
// Precondition: winner is one of the room's sessions.
// Postcondition: Returns true for the single call that ended the match; every
// other call is a no-op returning false. After a true return one result has
// been committed or logged as failed, both players have been sent game_end,
// and neither session is bound to the room.
func (r *Room) End(ctx context.Context, winner *session.ConnectionSession) bool {
	return r.end(ctx, winner, observability.EndReasonReported)
}

func (r *Room) end(ctx context.Context, winner *session.ConnectionSession, reason string) bool {
	loser := r.Opponent(winner)
	if loser == nil {
		r.logger.Error("end requested for non-participant", zap.String("username", winner.Username))
		return false
	}

	r.mu.Lock()
	if r.state == StateEnded {
		r.mu.Unlock()
		return false
	}
	wasActive := r.state == StateActive
	r.state = StateEnded
	duration := int(r.now().Sub(r.started) / time.Second)
	r.mu.Unlock()

	p1, p2 := r.players[0], r.players[1]
	if _, err := r.recorder.CommitResult(ctx, p1.UserID, p2.UserID, winner.UserID, duration); err != nil {
		observability.RecordCommitFailure()
		r.logger.Error("committing match result",
			zap.Int64("player1_id", p1.UserID),
			zap.Int64("player2_id", p2.UserID),
			zap.Int64("winner_id", winner.UserID),
			zap.Int("duration_seconds", duration),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	if wasActive {
		observability.RecordMatchEnded(reason, duration)
	}

	r.notify(winner, protocol.ResultWin, duration)
	r.notify(loser, protocol.ResultLose, duration)

	p1.Release(r)
	p2.Release(r)

	r.logger.Info("match ended",
		zap.String("winner", winner.Username),
		zap.String("loser", loser.Username),
		zap.Int("duration_seconds", duration),
		zap.String("reason", reason),
	)

	if r.settle > 0 {
		time.Sleep(r.settle)
	}
	return true
}

func (r *Room) notify(s *session.ConnectionSession, result string, duration int) {
	if err := s.Send(protocol.GameOver{Result: result, Duration: duration}); err != nil {
		r.logger.Warn("sending game end", zap.String("username", s.Username), zap.Error(err))
	}
}
