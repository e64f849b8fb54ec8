package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/storage/postgres"
	"github.com/cory-johannsen/blockbattle/internal/testutil"
)

func newRepo(t *testing.T, ttl time.Duration) *postgres.AccountRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	hasher, err := account.NewHasher(account.SchemeSHA256)
	require.NoError(t, err)
	return postgres.NewAccountRepository(pc.RawPool, hasher, ttl)
}

func TestAccountRepository_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := newRepo(t, time.Hour)

	alice, err := repo.Register(ctx, "alice", "pw1", "alice@example.com")
	require.NoError(t, err)
	bob, err := repo.Register(ctx, "bob", "pw2", "")
	require.NoError(t, err)

	_, err = repo.Register(ctx, "alice", "other", "")
	assert.ErrorIs(t, err, account.ErrDuplicateUsername)
	_, err = repo.Register(ctx, "carol", "pw3", "alice@example.com")
	assert.ErrorIs(t, err, account.ErrDuplicateEmail)

	stored, err := repo.User(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, account.DefaultRating, stored.Rating)
	assert.Nil(t, stored.LastLogin)

	_, err = repo.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)
	_, err = repo.Login(ctx, "nobody", "pw1")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)

	res, err := repo.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.Len(t, res.SessionID, 43)
	assert.Equal(t, alice, res.Profile.UserID)

	profile, ok, err := repo.ValidateSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", profile.Username)

	_, ok, err = repo.ValidateSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := repo.CommitResult(ctx, alice, bob, alice, 42)
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	winner, err := repo.User(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, winner.Wins)
	assert.Equal(t, 1, winner.TotalGames)
	assert.Equal(t, account.DefaultRating+account.WinnerRatingGain, winner.Rating)
	assert.NotNil(t, winner.LastLogin)

	loser, err := repo.User(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, loser.Losses)
	assert.Equal(t, account.DefaultRating-account.LoserRatingLoss, loser.Rating)

	history, err := repo.History(ctx, bob)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 42, history[0].DurationSeconds)
	assert.Equal(t, alice, history[0].WinnerID)
}

func TestAccountRepository_CommitResultUnknownUserRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := newRepo(t, time.Hour)

	alice, err := repo.Register(ctx, "alice", "pw", "")
	require.NoError(t, err)

	_, err = repo.CommitResult(ctx, alice, 9999, alice, 10)
	require.Error(t, err)
	assert.True(t, account.IsStorage(err))

	u, err := repo.User(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, u.Wins)
	assert.Equal(t, account.DefaultRating, u.Rating)

	history, err := repo.History(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAccountRepository_ConcurrentCommitsAreSerializable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := newRepo(t, time.Hour)

	a, err := repo.Register(ctx, "a", "pw", "")
	require.NoError(t, err)
	b, err := repo.Register(ctx, "b", "pw", "")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CommitResult(ctx, a, b, a, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := repo.User(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, n, u.Wins)
	assert.Equal(t, account.DefaultRating+n*account.WinnerRatingGain, u.Rating)
}

func TestAccountRepository_PurgeExpiredSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	repo := newRepo(t, time.Minute)

	_, err := repo.Register(ctx, "alice", "pw", "")
	require.NoError(t, err)
	res, err := repo.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	n, err := repo.PurgeExpiredSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PurgeExpiredSessions(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := repo.ValidateSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pc := testutil.NewPostgresContainer(t)
	first, err := postgres.MigrateUp(pc.DSN())
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, uint(3), first.Version)

	second, err := postgres.MigrateUp(pc.DSN())
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, uint(3), second.Version)
}

func TestPool_TagsConnectionsAndReportsStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(t)

	var name string
	require.NoError(t, pc.RawPool.QueryRow(ctx, "SHOW application_name").Scan(&name))
	assert.Equal(t, postgres.ApplicationName, name)

	total, idle, acquired := pc.Pool.Stats()
	assert.GreaterOrEqual(t, total, int32(1))
	assert.LessOrEqual(t, idle+acquired, total)
	assert.NoError(t, pc.Pool.Health(ctx, 5*time.Second))
}
