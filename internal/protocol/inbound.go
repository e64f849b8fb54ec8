// Package protocol defines the JSON envelopes exchanged over a battle
// connection. Every frame is one JSON object with a mandatory "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-server message types.
const (
	TypeRegister        = "register"
	TypeLogin           = "login"
	TypeValidateSession = "validate_session"
	TypeFindMatch       = "find_match"
	TypeCancelMatch     = "cancel_match"
	TypeGameState       = "game_state"
	TypeGameEnd         = "game_end"
	TypeDisconnect      = "disconnect"
)

// Reported game results.
const (
	ResultWin  = "win"
	ResultLose = "lose"
)

// ErrMissingType is returned when a frame has no "type" field.
var ErrMissingType = errors.New("envelope missing type")

// Inbound is a decoded client-to-server message. The set of implementations
// is closed; anything else decodes to Unrecognized.
type Inbound interface {
	Message
	isInbound()
}

// Register requests a new account.
type Register struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// Login requests a durable session for existing credentials.
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ValidateSession resumes a durable session.
type ValidateSession struct {
	SessionID string `json:"session_id"`
}

// FindMatch joins the matchmaking queue. MapPreference is advisory.
type FindMatch struct {
	MapPreference string `json:"map_preference,omitempty"`
}

// CancelMatch leaves the matchmaking queue.
type CancelMatch struct{}

// GameState carries an opaque board snapshot for the opponent.
type GameState struct {
	State json.RawMessage `json:"state"`
}

// GameEnd reports the sender's own result.
type GameEnd struct {
	Result string `json:"result"`
}

// Disconnect asks the server to close the connection gracefully.
type Disconnect struct{}

// Unrecognized is any well-formed envelope with an unknown type.
type Unrecognized struct {
	Tag string
}

func (Register) Type() string        { return TypeRegister }
func (Login) Type() string           { return TypeLogin }
func (ValidateSession) Type() string { return TypeValidateSession }
func (FindMatch) Type() string       { return TypeFindMatch }
func (CancelMatch) Type() string     { return TypeCancelMatch }
func (GameState) Type() string       { return TypeGameState }
func (GameEnd) Type() string         { return TypeGameEnd }
func (Disconnect) Type() string      { return TypeDisconnect }
func (u Unrecognized) Type() string  { return u.Tag }

func (Register) isInbound()        {}
func (Login) isInbound()           {}
func (ValidateSession) isInbound() {}
func (FindMatch) isInbound()       {}
func (CancelMatch) isInbound()     {}
func (GameState) isInbound()       {}
func (GameEnd) isInbound()         {}
func (Disconnect) isInbound()      {}
func (Unrecognized) isInbound()    {}

// Decode parses one frame into its inbound variant.
//
// Precondition: data is one complete frame.
// Postcondition: Returns a variant, or an error when data is not a JSON object,
// lacks a type, or a known type carries fields of the wrong JSON kind.
// Unknown types are not an error.
func Decode(data []byte) (Inbound, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var msg Inbound
	switch env.Type {
	case TypeRegister:
		msg, err = decodeAs[Register](env.Raw)
	case TypeLogin:
		msg, err = decodeAs[Login](env.Raw)
	case TypeValidateSession:
		msg, err = decodeAs[ValidateSession](env.Raw)
	case TypeFindMatch:
		msg, err = decodeAs[FindMatch](env.Raw)
	case TypeCancelMatch:
		msg = CancelMatch{}
	case TypeGameState:
		msg, err = decodeAs[GameState](env.Raw)
	case TypeGameEnd:
		msg, err = decodeAs[GameEnd](env.Raw)
	case TypeDisconnect:
		msg = Disconnect{}
	default:
		msg = Unrecognized{Tag: env.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Inbound](raw []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
