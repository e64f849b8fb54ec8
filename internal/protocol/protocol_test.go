package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/blockbattle/internal/account"
)

func TestDecode_KnownTypes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Inbound
	}{
		{"register", `{"type":"register","username":"a","password":"p","email":"a@x"}`, Register{Username: "a", Password: "p", Email: "a@x"}},
		{"register without email", `{"type":"register","username":"a","password":"p"}`, Register{Username: "a", Password: "p"}},
		{"login", `{"type":"login","username":"a","password":"p"}`, Login{Username: "a", Password: "p"}},
		{"validate", `{"type":"validate_session","session_id":"tok"}`, ValidateSession{SessionID: "tok"}},
		{"find", `{"type":"find_match","map_preference":"classic"}`, FindMatch{MapPreference: "classic"}},
		{"find bare", `{"type":"find_match"}`, FindMatch{}},
		{"cancel", `{"type":"cancel_match"}`, CancelMatch{}},
		{"end", `{"type":"game_end","result":"win"}`, GameEnd{Result: "win"}},
		{"disconnect", `{"type":"disconnect"}`, Disconnect{}},
		{"unknown", `{"type":"chat","text":"hi"}`, Unrecognized{Tag: "chat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_GameStateKeepsPayloadBytes(t *testing.T) {
	got, err := Decode([]byte(`{"type":"game_state","state":{"board":[[0,1],[1,0]],"score":12}}`))
	require.NoError(t, err)
	gs, ok := got.(GameState)
	require.True(t, ok)
	assert.JSONEq(t, `{"board":[[0,1],[1,0]],"score":12}`, string(gs.State))
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{``, `not json`, `[1,2]`, `{"type":42}`} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"username":"a"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecode_WrongFieldKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"login","username":7}`))
	assert.Error(t, err)
}

func TestEncode_StampsType(t *testing.T) {
	data, err := Encode(MatchmakingStatus{Status: StatusSearching, QueuePosition: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"matchmaking_status","status":"searching","queue_position":1}`, string(data))
}

func TestEncode_EmptyBody(t *testing.T) {
	data, err := Encode(MatchmakingCancelled{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"matchmaking_cancelled"}`, string(data))
}

func TestEncode_LoginResponseOmitsAbsentFields(t *testing.T) {
	data, err := Encode(LoginResponse{Success: false, Message: "Invalid username or password"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"login_response","success":false,"message":"Invalid username or password"}`, string(data))

	profile := account.Profile{UserID: 3, Username: "a", Stats: account.Stats{Rating: 1000}}
	data, err = Encode(LoginResponse{Success: true, SessionID: "tok", User: &profile, Message: "Login successful"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"login_response","success":true,"session_id":"tok",
		"user":{"user_id":3,"username":"a","stats":{"wins":0,"losses":0,"rating":1000}},
		"message":"Login successful"}`, string(data))
}

func TestEncode_GameStart(t *testing.T) {
	data, err := Encode(GameStart{Opponent: Opponent{Username: "b", Stats: account.Stats{Wins: 2, Rating: 1050}}, PlayerID: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"game_start","opponent":{"username":"b","stats":{"wins":2,"losses":0,"rating":1050}},"player_id":1}`, string(data))
}

func TestEnvelope_Into(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"game_end","result":"lose","duration":9}`))
	require.NoError(t, err)
	assert.Equal(t, TypeGameEnd, env.Type)
	var over GameOver
	require.NoError(t, env.Into(&over))
	assert.Equal(t, GameOver{Result: ResultLose, Duration: 9}, over)
}

// Property: encoding an inbound variant and decoding it yields the same variant.
func TestPropertyInboundRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-zA-Z0-9 _\-]{0,24}`)
		msgs := []Inbound{
			Register{Username: text.Draw(t, "u"), Password: text.Draw(t, "p"), Email: text.Draw(t, "e")},
			Login{Username: text.Draw(t, "lu"), Password: text.Draw(t, "lp")},
			ValidateSession{SessionID: text.Draw(t, "sid")},
			FindMatch{MapPreference: text.Draw(t, "map")},
			GameEnd{Result: rapid.SampledFrom([]string{ResultWin, ResultLose}).Draw(t, "result")},
		}
		msg := msgs[rapid.IntRange(0, len(msgs)-1).Draw(t, "index")]
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if got != msg {
			t.Fatalf("round trip: got %#v, want %#v", got, msg)
		}
	})
}

// Property: Decode never panics on arbitrary bytes.
func TestPropertyDecodeTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		_, _ = Decode(data)
	})
}

func TestGameStateRelayPreservesBytes(t *testing.T) {
	raw := json.RawMessage(`{"z":1,"a":[3,2,1]}`)
	data, err := Encode(GameStateRelay{State: raw})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"game_state","state":{"z":1,"a":[3,2,1]}}`, string(data))
}

func TestEncode_StampsTagOfEveryOutboundMessage(t *testing.T) {
	msgs := []Message{
		RegisterResponse{}, LoginResponse{}, SessionValidResponse{},
		MatchmakingStatus{}, MatchmakingCancelled{}, GameStart{},
		GameStateRelay{State: json.RawMessage(`{}`)}, GameOver{}, OpponentDisconnected{},
	}
	for _, msg := range msgs {
		data, err := Encode(msg)
		require.NoError(t, err)
		env, err := DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, msg.Type(), env.Type)
	}
}
