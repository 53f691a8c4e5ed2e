// Package storage persists single-use OAuth2 authorization codes keyed to chat contacts.
//
// Two backends are provided: SQLiteStore (the default, a local database file)
// and BucketStore (Cloud Storage objects, or a local directory for development).
// Both guarantee at most one live code per contact: issuing a code replaces the
// previous one for that contact as a single operation.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no code (or no contact) matches a lookup.
var ErrNotFound = errors.New("storage: not found")

// Error wraps a failure of the underlying storage layer.
type Error struct {
	Err error
	Op  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error indicates a missing code or contact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStorageError checks if an error came from the storage layer itself.
func IsStorageError(err error) bool {
	var storageErr *Error
	return errors.As(err, &storageErr)
}

// NewCode generates an unguessable authorization code: a random UUID without dashes.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// validCode reports whether code has the shape NewCode produces.
// Checks every character instead of returning at the first mismatch.
func validCode(code string) bool {
	if len(code) != 32 {
		return false
	}
	valid := 1
	for _, c := range code {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHexDigit {
			valid = 0
		}
	}
	return valid == 1
}
