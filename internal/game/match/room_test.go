package match

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/game/session"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
	"github.com/cory-johannsen/blockbattle/internal/testutil"
)

type fixture struct {
	store  *account.MemoryStore
	a, b   *session.ConnectionSession
	ta, tb *testutil.RecordingTransport
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	hasher, err := account.NewHasher(account.SchemeSHA256)
	require.NoError(t, err)
	store := account.NewMemoryStore(hasher)
	ctx := context.Background()

	idA, err := store.Register(ctx, "alice", "pw", "")
	require.NoError(t, err)
	idB, err := store.Register(ctx, "bob", "pw", "")
	require.NoError(t, err)
	ua, _ := store.User(idA)
	ub, _ := store.User(idB)

	f := &fixture{store: store}
	f.ta = testutil.NewRecordingTransport("a")
	f.tb = testutil.NewRecordingTransport("b")
	f.a = session.New(f.ta, ua.Profile())
	f.b = session.New(f.tb, ub.Profile())
	return f
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) CommitResult(context.Context, int64, int64, int64, int) (account.GameRecord, error) {
	f.calls++
	return account.GameRecord{}, account.NewStorageError("commit result", errors.New("connection refused"))
}

func mustNew(t testing.TB, a, b *session.ConnectionSession, rec ResultRecorder, logger *zap.Logger, opts ...Option) *Room {
	t.Helper()
	r, err := New(a, b, rec, logger, opts...)
	require.NoError(t, err)
	return r
}

func TestNew_BindsBothSessions(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))

	assert.NotEmpty(t, r.ID())
	assert.Equal(t, StateCreated, r.State())
	assert.True(t, f.a.InMatch())
	assert.True(t, f.b.InMatch())
	assert.Equal(t, r, f.a.Room())
	assert.Same(t, f.b, r.Opponent(f.a))
	assert.Same(t, f.a, r.Opponent(f.b))
}

func TestNew_TornDownPartnerIsNotBound(t *testing.T) {
	f := newFixture(t)
	f.b.MarkClosed()

	r, err := New(f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	assert.ErrorIs(t, err, ErrPlayerGone)
	assert.Nil(t, r)
	assert.False(t, f.a.InMatch(), "the live player is released")
	assert.False(t, f.b.InMatch())
	assert.Empty(t, f.ta.Frames())
	assert.Empty(t, f.store.History())
}

func TestNew_TornDownArrivalIsNotBound(t *testing.T) {
	f := newFixture(t)
	f.a.MarkClosed()

	_, err := New(f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	assert.ErrorIs(t, err, ErrPlayerGone)
	assert.False(t, f.a.InMatch())
	assert.False(t, f.b.InMatch())
}

// A player torn down after New bound the room but before Start forfeits; the
// room never starts and the opponent is released with a recorded result.
func TestStart_AfterForfeitOfUnstartedRoom(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))

	room := f.b.MarkClosed()
	require.Equal(t, r, room)
	assert.True(t, room.Forfeit(context.Background(), f.b))
	r.Start()

	assert.Equal(t, StateEnded, r.State())
	assert.False(t, f.a.InMatch())
	assert.Empty(t, f.ta.OfType(protocol.TypeGameStart))
	assert.Equal(t, []string{protocol.TypeGameEnd, protocol.TypeOpponentDisconnected}, f.ta.Types())
	require.Len(t, f.store.History(), 1)
	assert.Equal(t, f.a.UserID, f.store.History()[0].WinnerID)
}

func TestStart_SendsGameStartToBoth(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()
	assert.Equal(t, StateActive, r.State())

	startA := f.ta.OfType(protocol.TypeGameStart)
	require.Len(t, startA, 1)
	assert.Equal(t, float64(0), startA[0]["player_id"])
	assert.Equal(t, "bob", startA[0]["opponent"].(map[string]any)["username"])

	startB := f.tb.OfType(protocol.TypeGameStart)
	require.Len(t, startB, 1)
	assert.Equal(t, float64(1), startB[0]["player_id"])
	opp := startB[0]["opponent"].(map[string]any)
	assert.Equal(t, "alice", opp["username"])
	assert.Equal(t, float64(account.DefaultRating), opp["stats"].(map[string]any)["rating"])

	r.Start()
	assert.Len(t, f.ta.OfType(protocol.TypeGameStart), 1, "Start is not repeated")
}

func TestRelay_ForwardsUnchanged(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()

	state := json.RawMessage(`{"board":[[1,0],[0,1]],"score":300,"lines":4}`)
	require.NoError(t, r.Relay(f.a, state))

	relayed := f.tb.OfType(protocol.TypeGameState)
	require.Len(t, relayed, 1)
	got, err := json.Marshal(relayed[0]["state"])
	require.NoError(t, err)
	assert.JSONEq(t, string(state), string(got))
	assert.Empty(t, f.ta.OfType(protocol.TypeGameState))
}

func TestRelay_AfterEndIsNoop(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()
	r.End(context.Background(), f.a)

	require.NoError(t, r.Relay(f.a, json.RawMessage(`{}`)))
	assert.Empty(t, f.tb.OfType(protocol.TypeGameState))
}

func TestRelay_Outsider(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	outsider := session.New(testutil.NewRecordingTransport("c"), account.Profile{UserID: 99})
	assert.ErrorIs(t, r.Relay(outsider, json.RawMessage(`{}`)), ErrNotParticipant)
}

func TestEnd_CommitsAndNotifies(t *testing.T) {
	f := newFixture(t)
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0), WithClock(clock.Now))
	r.Start()
	clock.Advance(95*time.Second + 600*time.Millisecond)

	assert.True(t, r.End(context.Background(), f.b))
	assert.True(t, r.Ended())

	history := f.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, f.b.UserID, history[0].WinnerID)
	assert.Equal(t, f.a.UserID, history[0].Player1ID)
	assert.Equal(t, 95, history[0].DurationSeconds)

	endA := f.ta.OfType(protocol.TypeGameEnd)
	require.Len(t, endA, 1)
	assert.Equal(t, protocol.ResultLose, endA[0]["result"])
	assert.Equal(t, float64(95), endA[0]["duration"])

	endB := f.tb.OfType(protocol.TypeGameEnd)
	require.Len(t, endB, 1)
	assert.Equal(t, protocol.ResultWin, endB[0]["result"])

	assert.False(t, f.a.InMatch())
	assert.False(t, f.b.InMatch())

	winner, _ := f.store.User(f.b.UserID)
	loser, _ := f.store.User(f.a.UserID)
	assert.Equal(t, account.DefaultRating+account.WinnerRatingGain, winner.Rating)
	assert.Equal(t, account.DefaultRating-account.LoserRatingLoss, loser.Rating)
}

func TestEnd_TwiceCommitsOnce(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()

	assert.True(t, r.End(context.Background(), f.a))
	assert.False(t, r.End(context.Background(), f.b))

	assert.Len(t, f.store.History(), 1)
	assert.Len(t, f.ta.OfType(protocol.TypeGameEnd), 1)
	assert.Len(t, f.tb.OfType(protocol.TypeGameEnd), 1)
}

func TestEnd_ConcurrentReportAndForfeit(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.Report(context.Background(), f.a, protocol.ResultWin)
	}()
	go func() {
		defer wg.Done()
		r.Forfeit(context.Background(), f.b)
	}()
	wg.Wait()

	assert.Len(t, f.store.History(), 1)
	assert.Len(t, f.ta.OfType(protocol.TypeGameEnd), 1)
	assert.Len(t, f.tb.OfType(protocol.TypeGameEnd), 1)
	assert.Equal(t, f.a.UserID, f.store.History()[0].WinnerID)
}

func TestEnd_NonParticipantIsRejected(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	outsider := session.New(testutil.NewRecordingTransport("c"), account.Profile{UserID: 99})
	assert.False(t, r.End(context.Background(), outsider))
	assert.False(t, r.Ended())
}

func TestEnd_CommitFailureStillNotifiesAndReleases(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.ErrorLevel)
	rec := &failingRecorder{}
	r := mustNew(t, f.a, f.b, rec, zap.New(core), WithSettleDelay(0))
	r.Start()

	assert.True(t, r.End(context.Background(), f.a))
	assert.Equal(t, 1, rec.calls)
	assert.Len(t, f.ta.OfType(protocol.TypeGameEnd), 1)
	assert.Len(t, f.tb.OfType(protocol.TypeGameEnd), 1)
	assert.False(t, f.a.InMatch())
	assert.False(t, f.b.InMatch())

	entries := logs.FilterMessage("committing match result").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, f.a.UserID, fields["winner_id"])
	assert.Equal(t, f.a.UserID, fields["player1_id"])
	assert.Equal(t, f.b.UserID, fields["player2_id"])
	assert.Contains(t, fields, "duration_seconds")
	assert.Contains(t, fields, "match_id")
}

func TestEnd_WaitsSettleDelay(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(30*time.Millisecond))
	r.Start()

	start := time.Now()
	r.End(context.Background(), f.a)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReport(t *testing.T) {
	t.Run("win", func(t *testing.T) {
		f := newFixture(t)
		r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
		r.Start()
		require.NoError(t, r.Report(context.Background(), f.a, protocol.ResultWin))
		assert.Equal(t, f.a.UserID, f.store.History()[0].WinnerID)
	})
	t.Run("lose", func(t *testing.T) {
		f := newFixture(t)
		r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
		r.Start()
		require.NoError(t, r.Report(context.Background(), f.a, protocol.ResultLose))
		assert.Equal(t, f.b.UserID, f.store.History()[0].WinnerID)
	})
	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t)
		r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
		r.Start()
		err := r.Report(context.Background(), f.a, "draw")
		assert.ErrorIs(t, err, account.ErrValidation)
		assert.False(t, r.Ended())
		assert.True(t, f.a.InMatch())
	})
}

func TestForfeit(t *testing.T) {
	f := newFixture(t)
	r := mustNew(t, f.a, f.b, f.store, zaptest.NewLogger(t), WithSettleDelay(0))
	r.Start()

	assert.True(t, r.Forfeit(context.Background(), f.a))
	assert.Equal(t, f.b.UserID, f.store.History()[0].WinnerID)
	assert.Equal(t, []string{protocol.TypeGameStart, protocol.TypeGameEnd, protocol.TypeOpponentDisconnected}, f.tb.Types())
	assert.False(t, f.a.InMatch())
	assert.False(t, f.b.InMatch())

	assert.False(t, r.Forfeit(context.Background(), f.b), "forfeit after the end is a no-op")
	assert.Len(t, f.ta.OfType(protocol.TypeOpponentDisconnected), 0)
}

// Property: any interleaving of End, Report, and Forfeit commits exactly one
// result and sends exactly one game_end to each player.
func TestPropertyExactlyOneSettlement(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		r := mustNew(t, f.a, f.b, f.store, zap.NewNop(), WithSettleDelay(0))
		r.Start()
		ctx := context.Background()

		n := rapid.IntRange(1, 8).Draw(rt, "calls")
		for i := 0; i < n; i++ {
			who := f.a
			if rapid.Bool().Draw(rt, "side") {
				who = f.b
			}
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				r.End(ctx, who)
			case 1:
				_ = r.Report(ctx, who, rapid.SampledFrom([]string{protocol.ResultWin, protocol.ResultLose}).Draw(rt, "result"))
			case 2:
				r.Forfeit(ctx, who)
			}
		}
		if got := len(f.store.History()); got != 1 {
			rt.Fatalf("history = %d, want 1", got)
		}
		if len(f.ta.OfType(protocol.TypeGameEnd)) != 1 || len(f.tb.OfType(protocol.TypeGameEnd)) != 1 {
			rt.Fatalf("game_end not sent exactly once per player")
		}
		if f.a.InMatch() || f.b.InMatch() {
			rt.Fatalf("sessions still bound after settlement")
		}
	})
}
