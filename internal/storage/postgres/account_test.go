package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/blockbattle/internal/account"
)

func TestDuplicateError_Username(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})
	assert.ErrorIs(t, duplicateError(err), account.ErrDuplicateUsername)
}

func TestDuplicateError_Email(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
	got := duplicateError(err)
	assert.ErrorIs(t, got, account.ErrDuplicateEmail)
	assert.ErrorIs(t, got, account.ErrConflict)
}

func TestDuplicateError_UnknownConstraintIsConflict(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "sessions_pkey"}
	got := duplicateError(err)
	assert.ErrorIs(t, got, account.ErrConflict)
	assert.NotErrorIs(t, got, account.ErrDuplicateUsername)
}

func TestDuplicateError_OtherErrors(t *testing.T) {
	assert.NoError(t, duplicateError(errors.New("boom")))
	assert.NoError(t, duplicateError(&pgconn.PgError{Code: "23503"}))
}

func TestMigrationFSContainsPairs(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 6)
}
