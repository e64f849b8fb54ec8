package protocol

import (
	"encoding/json"

	"github.com/cory-johannsen/blockbattle/internal/account"
)

// Server-to-client message types. game_state and game_end reuse the inbound tags.
const (
	TypeRegisterResponse     = "register_response"
	TypeLoginResponse        = "login_response"
	TypeSessionValid         = "session_valid"
	TypeMatchmakingStatus    = "matchmaking_status"
	TypeMatchmakingCancelled = "matchmaking_cancelled"
	TypeGameStart            = "game_start"
	TypeOpponentDisconnected = "opponent_disconnected"
)

// StatusSearching is the only matchmaking status the queue reports.
const StatusSearching = "searching"

// RegisterResponse answers a register request.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LoginResponse answers a login request. SessionID and User are set on success.
type LoginResponse struct {
	Success   bool             `json:"success"`
	SessionID string           `json:"session_id,omitempty"`
	User      *account.Profile `json:"user,omitempty"`
	Message   string           `json:"message"`
}

// SessionValidResponse answers a validate_session request.
type SessionValidResponse struct {
	Success bool             `json:"success"`
	User    *account.Profile `json:"user,omitempty"`
	Message string           `json:"message,omitempty"`
}

// MatchmakingStatus tells a queued player its 1-based position.
type MatchmakingStatus struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

// MatchmakingCancelled confirms a cancel_match.
type MatchmakingCancelled struct{}

// Opponent describes the other player in a match.
type Opponent struct {
	Username string        `json:"username"`
	Stats    account.Stats `json:"stats"`
}

// GameStart opens a match. PlayerID is 0 for the first paired session and 1 for the second.
type GameStart struct {
	Opponent Opponent `json:"opponent"`
	PlayerID int      `json:"player_id"`
}

// GameStateRelay forwards the opponent's opaque snapshot unchanged.
type GameStateRelay struct {
	State json.RawMessage `json:"state"`
}

// GameOver reports the receiver's result and the match duration in seconds.
type GameOver struct {
	Result   string `json:"result"`
	Duration int    `json:"duration"`
}

// OpponentDisconnected tells the remaining player the opponent forfeited.
type OpponentDisconnected struct{}

func (RegisterResponse) Type() string     { return TypeRegisterResponse }
func (LoginResponse) Type() string        { return TypeLoginResponse }
func (SessionValidResponse) Type() string { return TypeSessionValid }
func (MatchmakingStatus) Type() string    { return TypeMatchmakingStatus }
func (MatchmakingCancelled) Type() string { return TypeMatchmakingCancelled }
func (GameStart) Type() string            { return TypeGameStart }
func (GameStateRelay) Type() string       { return TypeGameState }
func (GameOver) Type() string             { return TypeGameEnd }
func (OpponentDisconnected) Type() string { return TypeOpponentDisconnected }
