// Package account defines player accounts, durable login sessions, and match
// history, along with the digests and tokens that protect them.
package account

import "time"

// Rating and session constants.
const (
	// DefaultRating is the rating of a freshly registered user.
	DefaultRating = 1000
	// WinnerRatingGain is added to the winner's rating on every committed result.
	WinnerRatingGain = 25
	// LoserRatingLoss is subtracted from the loser's rating on every committed result.
	LoserRatingLoss = 15
	// DefaultSessionTTL is the lifetime of a durable login session.
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// Stats is the user-facing win/loss summary.
type Stats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Rating int `json:"rating"`
}

// User is a durable player record.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	// Email is nil when the user registered without one.
	Email      *string
	Wins       int
	Losses     int
	TotalGames int
	Rating     int
	CreatedAt  time.Time
	LastLogin  *time.Time
}

// Stats returns the user-facing summary of u.
func (u User) Stats() Stats {
	return Stats{Wins: u.Wins, Losses: u.Losses, Rating: u.Rating}
}

// Profile returns the identity and stats snapshot handed to connections.
func (u User) Profile() Profile {
	return Profile{UserID: u.ID, Username: u.Username, Stats: u.Stats()}
}

// Profile is a point-in-time snapshot of a user's identity and stats.
type Profile struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Stats    Stats  `json:"stats"`
}

// Session is a durable login credential, distinct from a live connection.
type Session struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the session is still usable at now.
// Validity depends on the expiry timestamp alone.
func (s Session) ValidAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	SessionID string
	Profile   Profile
}

// GameRecord is one row of append-only match history.
type GameRecord struct {
	ID              int64
	Player1ID       int64
	Player2ID       int64
	WinnerID        int64
	PlayedAt        time.Time
	DurationSeconds int
}

// LoserID returns the id of the player that did not win.
func (g GameRecord) LoserID() int64 {
	if g.WinnerID == g.Player1ID {
		return g.Player2ID
	}
	return g.Player1ID
}
