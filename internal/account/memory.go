package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process account store. All state is lost on restart.
// All methods are safe for concurrent use; each operation runs under one lock,
// which makes CommitResult atomic.
type MemoryStore struct {
	mu         sync.Mutex
	hasher     Hasher
	ttl        time.Duration
	now        func() time.Time
	users      map[int64]*User
	byUsername map[string]int64
	byEmail    map[string]int64
	sessions   map[string]Session
	history    []GameRecord
	nextUserID int64
	nextGameID int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock used for session expiry and timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// NewMemoryStore creates an empty MemoryStore that digests passwords with hasher.
//
// Postcondition: Returns a ready store with no users.
func NewMemoryStore(hasher Hasher, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		hasher:     hasher,
		ttl:        DefaultSessionTTL,
		now:        time.Now,
		users:      make(map[int64]*User),
		byUsername: make(map[string]int64),
		byEmail:    make(map[string]int64),
		sessions:   make(map[string]Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a user.
//
// Postcondition: Returns the new user id, or ErrValidation, ErrDuplicateUsername,
// or ErrDuplicateEmail.
func (s *MemoryStore) Register(_ context.Context, username, password, email string) (int64, error) {
	if err := ValidateRegistration(username, password, email); err != nil {
		return 0, err
	}
	digest, err := s.hasher.Hash(password)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[username]; taken {
		return 0, ErrDuplicateUsername
	}
	if email != "" {
		if _, taken := s.byEmail[email]; taken {
			return 0, ErrDuplicateEmail
		}
	}

	s.nextUserID++
	u := &User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: digest,
		Rating:       DefaultRating,
		CreatedAt:    s.now(),
	}
	if email != "" {
		e := email
		u.Email = &e
		s.byEmail[email] = u.ID
	}
	s.users[u.ID] = u
	s.byUsername[username] = u.ID
	return u.ID, nil
}

// Login verifies credentials and mints a durable session.
//
// Postcondition: Returns a LoginResult with a fresh session id, or ErrInvalidCredentials.
func (s *MemoryStore) Login(_ context.Context, username, password string) (LoginResult, error) {
	token, err := NewSessionToken()
	if err != nil {
		return LoginResult{}, NewStorageError("mint session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[username]
	if !ok {
		return LoginResult{}, ErrInvalidCredentials
	}
	u := s.users[id]
	if !s.hasher.Verify(password, u.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now()
	s.sessions[token] = Session{
		ID:        token,
		UserID:    u.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	u.LastLogin = &now

	return LoginResult{SessionID: token, Profile: u.Profile()}, nil
}

// ValidateSession resolves a session token to the owning user's profile.
// It never extends the session.
//
// Postcondition: ok is false when the token is unknown or expired.
func (s *MemoryStore) ValidateSession(_ context.Context, sessionID string) (Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || !sess.ValidAt(s.now()) {
		return Profile{}, false, nil
	}
	u, ok := s.users[sess.UserID]
	if !ok {
		return Profile{}, false, nil
	}
	return u.Profile(), true, nil
}

// CommitResult appends a game record and applies the rating changes.
//
// Precondition: winnerID is player1ID or player2ID and the players differ.
// Postcondition: Either the record and both stat updates are applied, or nothing is.
func (s *MemoryStore) CommitResult(_ context.Context, player1ID, player2ID, winnerID int64, durationSeconds int) (GameRecord, error) {
	if err := ValidateResult(player1ID, player2ID, winnerID); err != nil {
		return GameRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := GameRecord{
		Player1ID:       player1ID,
		Player2ID:       player2ID,
		WinnerID:        winnerID,
		PlayedAt:        s.now(),
		DurationSeconds: durationSeconds,
	}
	winner, ok := s.users[winnerID]
	if !ok {
		return GameRecord{}, NewStorageError("commit result", ErrUserNotFound)
	}
	loser, ok := s.users[rec.LoserID()]
	if !ok {
		return GameRecord{}, NewStorageError("commit result", ErrUserNotFound)
	}

	s.nextGameID++
	rec.ID = s.nextGameID
	s.history = append(s.history, rec)

	winner.Wins++
	winner.TotalGames++
	winner.Rating += WinnerRatingGain
	loser.Losses++
	loser.TotalGames++
	loser.Rating -= LoserRatingLoss

	return rec, nil
}

// PurgeExpiredSessions deletes sessions that expired at or before now.
//
// Postcondition: Returns the number of sessions removed.
func (s *MemoryStore) PurgeExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if !sess.ValidAt(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// User returns a copy of the user with the given id.
func (s *MemoryStore) User(id int64) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// History returns a copy of the match history in commit order.
func (s *MemoryStore) History() []GameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GameRecord(nil), s.history...)
}

// SessionCount returns the number of stored sessions, expired or not.
func (s *MemoryStore) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Health always succeeds; the store has no external dependency.
func (s *MemoryStore) Health(context.Context, time.Duration) error { return nil }
