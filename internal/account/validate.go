package account

import (
	"strings"
	"unicode/utf8"
)

// MaxUsernameLength bounds usernames in runes.
const MaxUsernameLength = 64

// ValidateRegistration checks the fields of a register request.
// Usernames are case-sensitive and are not normalised. Email is stored as
// given; only its uniqueness is enforced, by the store.
//
// Postcondition: Returns nil or an error wrapping ErrValidation.
func ValidateRegistration(username, password, email string) error {
	if strings.TrimSpace(username) == "" {
		return Validationf("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return Validationf("username must be at most %d characters", MaxUsernameLength)
	}
	if password == "" {
		return Validationf("password is required")
	}
	return nil
}

// ValidateResult checks the participants of a match result.
//
// Postcondition: Returns nil or an error wrapping ErrValidation.
func ValidateResult(player1ID, player2ID, winnerID int64) error {
	if player1ID == player2ID {
		return Validationf("players must differ, both are %d", player1ID)
	}
	if winnerID != player1ID && winnerID != player2ID {
		return Validationf("winner %d is not a participant", winnerID)
	}
	return nil
}
