package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/blockbattle/internal/account"
)

const (
	sqlStateUniqueViolation = "23505"
	constraintUsername      = "users_username_key"
	constraintEmail         = "users_email_key"
)

// AccountRepository provides account, session, and match-history persistence.
type AccountRepository struct {
	db     *pgxpool.Pool
	hasher account.Hasher
	ttl    time.Duration
	now    func() time.Time
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool; ttl > 0.
func NewAccountRepository(db *pgxpool.Pool, hasher account.Hasher, ttl time.Duration) *AccountRepository {
	return &AccountRepository{db: db, hasher: hasher, ttl: ttl, now: time.Now}
}

// Register inserts a new user with default stats.
//
// Postcondition: Returns the new user id, or ErrValidation, ErrDuplicateUsername,
// ErrDuplicateEmail, or a StorageError.
func (r *AccountRepository) Register(ctx context.Context, username, password, email string) (int64, error) {
	if err := account.ValidateRegistration(username, password, email); err != nil {
		return 0, err
	}
	digest, err := r.hasher.Hash(password)
	if err != nil {
		return 0, err
	}

	var emailArg *string
	if email != "" {
		emailArg = &email
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, email, rating)
		 VALUES ($1, $2, $3, $4)
		 RETURNING user_id`,
		username, digest, emailArg, account.DefaultRating,
	).Scan(&id)
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return 0, dup
		}
		return 0, account.NewStorageError("register", err)
	}
	return id, nil
}

// Login verifies credentials, stamps last_login, and inserts a fresh session.
//
// Postcondition: Returns a LoginResult, ErrInvalidCredentials, or a StorageError.
// Unknown usernames and wrong passwords are indistinguishable to the caller.
func (r *AccountRepository) Login(ctx context.Context, username, password string) (account.LoginResult, error) {
	u, err := r.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			return account.LoginResult{}, account.ErrInvalidCredentials
		}
		return account.LoginResult{}, err
	}
	if !r.hasher.Verify(password, u.PasswordHash) {
		return account.LoginResult{}, account.ErrInvalidCredentials
	}

	token, err := account.NewSessionToken()
	if err != nil {
		return account.LoginResult{}, account.NewStorageError("mint session", err)
	}

	now := r.now()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return account.LoginResult{}, account.NewStorageError("login", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		token, u.ID, now, now.Add(r.ttl),
	); err != nil {
		return account.LoginResult{}, account.NewStorageError("insert session", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET last_login = $1 WHERE user_id = $2`, now, u.ID); err != nil {
		return account.LoginResult{}, account.NewStorageError("stamp last login", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return account.LoginResult{}, account.NewStorageError("login", err)
	}

	return account.LoginResult{SessionID: token, Profile: u.Profile()}, nil
}

// ValidateSession resolves a session token without extending it.
//
// Postcondition: ok is false for unknown or expired tokens; err is non-nil only
// on storage failure.
func (r *AccountRepository) ValidateSession(ctx context.Context, sessionID string) (account.Profile, bool, error) {
	var u account.User
	err := r.db.QueryRow(ctx,
		`SELECT u.user_id, u.username, u.wins, u.losses, u.rating
		 FROM sessions s JOIN users u ON u.user_id = s.user_id
		 WHERE s.session_id = $1 AND s.expires_at > $2`,
		sessionID, r.now(),
	).Scan(&u.ID, &u.Username, &u.Wins, &u.Losses, &u.Rating)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Profile{}, false, nil
		}
		return account.Profile{}, false, account.NewStorageError("validate session", err)
	}
	return u.Profile(), true, nil
}

// CommitResult appends a history row and updates both players' stats in one
// transaction.
//
// Precondition: winnerID is player1ID or player2ID and the players differ.
// Postcondition: Either all three writes are applied, or none is.
func (r *AccountRepository) CommitResult(ctx context.Context, player1ID, player2ID, winnerID int64, durationSeconds int) (account.GameRecord, error) {
	if err := account.ValidateResult(player1ID, player2ID, winnerID); err != nil {
		return account.GameRecord{}, err
	}
	rec := account.GameRecord{
		Player1ID:       player1ID,
		Player2ID:       player2ID,
		WinnerID:        winnerID,
		PlayedAt:        r.now(),
		DurationSeconds: durationSeconds,
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return account.GameRecord{}, account.NewStorageError("commit result", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO game_history (player1_id, player2_id, winner_id, played_at, duration)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING game_id`,
		player1ID, player2ID, winnerID, rec.PlayedAt, durationSeconds,
	).Scan(&rec.ID)
	if err != nil {
		return account.GameRecord{}, account.NewStorageError("insert game history", err)
	}

	if err := applyStats(ctx, tx,
		`UPDATE users SET wins = wins + 1, total_games = total_games + 1, rating = rating + $1 WHERE user_id = $2`,
		account.WinnerRatingGain, winnerID,
	); err != nil {
		return account.GameRecord{}, err
	}
	if err := applyStats(ctx, tx,
		`UPDATE users SET losses = losses + 1, total_games = total_games + 1, rating = rating - $1 WHERE user_id = $2`,
		account.LoserRatingLoss, rec.LoserID(),
	); err != nil {
		return account.GameRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return account.GameRecord{}, account.NewStorageError("commit result", err)
	}
	return rec, nil
}

func applyStats(ctx context.Context, tx pgx.Tx, stmt string, delta int, userID int64) error {
	tag, err := tx.Exec(ctx, stmt, delta, userID)
	if err != nil {
		return account.NewStorageError("update stats", err)
	}
	if tag.RowsAffected() == 0 {
		return account.NewStorageError("update stats", account.ErrUserNotFound)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions that expired at or before now.
//
// Postcondition: Returns the number of rows removed.
func (r *AccountRepository) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, account.NewStorageError("purge sessions", err)
	}
	return tag.RowsAffected(), nil
}

// User loads the full user row by id.
//
// Postcondition: Returns the User or ErrUserNotFound.
func (r *AccountRepository) User(ctx context.Context, id int64) (account.User, error) {
	return r.scanUser(r.db.QueryRow(ctx, userColumns+` WHERE user_id = $1`, id))
}

func (r *AccountRepository) userByUsername(ctx context.Context, username string) (account.User, error) {
	return r.scanUser(r.db.QueryRow(ctx, userColumns+` WHERE username = $1`, username))
}

const userColumns = `SELECT user_id, username, password_hash, email, wins, losses, total_games, rating, created_at, last_login FROM users`

func (r *AccountRepository) scanUser(row pgx.Row) (account.User, error) {
	var u account.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email,
		&u.Wins, &u.Losses, &u.TotalGames, &u.Rating, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.User{}, account.ErrUserNotFound
		}
		return account.User{}, account.NewStorageError("query user", err)
	}
	return u, nil
}

// History returns every match a user took part in, newest first.
func (r *AccountRepository) History(ctx context.Context, userID int64) ([]account.GameRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT game_id, player1_id, player2_id, winner_id, played_at, duration
		 FROM game_history WHERE player1_id = $1 OR player2_id = $1
		 ORDER BY played_at DESC, game_id DESC`,
		userID,
	)
	if err != nil {
		return nil, account.NewStorageError("query history", err)
	}
	defer rows.Close()

	var out []account.GameRecord
	for rows.Next() {
		var g account.GameRecord
		if err := rows.Scan(&g.ID, &g.Player1ID, &g.Player2ID, &g.WinnerID, &g.PlayedAt, &g.DurationSeconds); err != nil {
			return nil, account.NewStorageError("scan history", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, account.NewStorageError("query history", err)
	}
	return out, nil
}

// duplicateError maps a unique violation to the matching conflict error.
// It returns nil for any other error.
func duplicateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != sqlStateUniqueViolation {
		return nil
	}
	switch {
	case pgErr.ConstraintName == constraintEmail, strings.Contains(pgErr.Message, constraintEmail):
		return account.ErrDuplicateEmail
	case pgErr.ConstraintName == constraintUsername, strings.Contains(pgErr.Message, constraintUsername):
		return account.ErrDuplicateUsername
	}
	return fmt.Errorf("%w: %s", account.ErrConflict, pgErr.ConstraintName)
}
