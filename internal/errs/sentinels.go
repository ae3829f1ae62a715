// Package errs contains sentinel errors shared by the store, domain and API layers.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested object does not exist in any attached store.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by ModeNever creates when the primary key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoStore is returned when neither the local nor the synced store is attached.
	ErrNoStore = errors.New("no store attached")

	// ErrInvalidAmount rejects non-positive payment or receipt amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput rejects a request missing a required field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict rejects an operation the object's current state does not allow.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a missing, malformed or expired API token.
	ErrUnauthorized = errors.New("unauthorized")
)
