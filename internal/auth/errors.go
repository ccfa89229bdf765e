package apierr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record is not present in the credential store.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidCredentials is returned for an unknown username or a wrong password. Both cases share it.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStorageUnavailable is matched by every StorageError. It is retryable and never a security outcome.
	ErrStorageUnavailable = errors.New("credential store unavailable")
	// ErrSessionExpired marks a session that was expired for inactivity.
	ErrSessionExpired = errors.New("session expired")
	// ErrVersionConflict is returned when a compare-and-swap update lost against a concurrent writer.
	ErrVersionConflict = errors.New("record was modified concurrently")
	// ErrUnknownRole is returned when a role id has no RoleConfig.
	ErrUnknownRole = errors.New("unknown role")
	// ErrUsernameTaken is returned when attempting to create a user with a username that already exists.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidSession is returned for a token that is not the installation's current session.
	ErrInvalidSession = errors.New("session is not current")
	// ErrUserLocked is matched by every LockedOutError.
	ErrUserLocked = errors.New("account is temporarily locked")
)

// LockedOutError is returned while an account is inside its lockout cool-down.
type LockedOutError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("account is temporarily locked, retry in %s", e.Remaining.Round(time.Second))
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrUserLocked
}

// ValidationError reports a password policy violation.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid new password: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StorageError wraps a driver failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Storage wraps err as a StorageError unless it is nil or already one of the package sentinels.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
