package account

import (
	"errors"
	"fmt"
)

// Error classes. Callers match them with errors.Is.
var (
	// ErrValidation marks malformed or missing request fields.
	ErrValidation = errors.New("validation failed")
	// ErrAuth marks bad credentials and unknown or expired sessions.
	ErrAuth = errors.New("authentication failed")
	// ErrConflict marks uniqueness violations.
	ErrConflict = errors.New("conflict")
)

// Specific errors, each wrapping its class.
var (
	ErrDuplicateUsername  = fmt.Errorf("%w: username already exists", ErrConflict)
	ErrDuplicateEmail     = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", ErrAuth)
	ErrSessionInvalid     = fmt.Errorf("%w: session expired or invalid", ErrAuth)
	ErrUserNotFound       = errors.New("user not found")
)

// StorageError reports a durable-store failure during Op.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for op. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Validationf returns an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
