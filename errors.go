package myfs

import (
	"errors"
	"fmt"
)

// Sentinel errors form the complete failure taxonomy of the core. Callers
// match them with errors.Is; cryptographic failures deliberately carry no
// detail about which stage rejected.
var (
	// ErrAuthFailed covers a rejected session secret, master secret, file
	// secret, or machine binding. The cause is never distinguished.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound reports that no entry with the requested name exists
	// (or that it is deleted when the caller asked for an active one).
	ErrNotFound = errors.New("file not found")

	// ErrNameTaken reports that an import or recover would duplicate the
	// name of an active entry.
	ErrNameTaken = errors.New("name already taken by an active file")

	// ErrIntegrityFailed reports an AEAD open failure or content digest
	// mismatch on a specific entry.
	ErrIntegrityFailed = errors.New("integrity check failed")

	// ErrTableCorrupt reports that the file table failed to open on both
	// the container and the sidecar.
	ErrTableCorrupt = errors.New("file table corrupt")

	// ErrUnrecoverable reports that repair cannot proceed because both
	// headers are corrupt.
	ErrUnrecoverable = errors.New("volume unrecoverable")

	// ErrLocked reports that another process holds the container lock.
	ErrLocked = errors.New("container locked by another process")

	// ErrClosed reports an operation against a closed session or volume.
	ErrClosed = errors.New("volume not open")
)

// EntryError attaches an entry name to an underlying failure, typically
// ErrIntegrityFailed, so callers can report which file was lost.
type EntryError struct {
	Name string // display name of the affected entry
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %q: %s", e.Name, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// IOError represents a lower-level read/write failure against the container
// or sidecar.
type IOError struct {
	Operation string // "read", "write", "sync", "truncate", "open", "stat", "close"
	Path      string
	Offset    int64 // -1 when not applicable
	Err       error
}

func (e *IOError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError creates an IOError without an offset.
func NewIOError(operation, path string, err error) error {
	return &IOError{Operation: operation, Path: path, Offset: -1, Err: err}
}

// NewIOErrorAt creates an IOError at a specific container offset.
func NewIOErrorAt(operation, path string, offset int64, err error) error {
	return &IOError{Operation: operation, Path: path, Offset: offset, Err: err}
}

// IsAuthFailed checks whether err is an authentication failure.
func IsAuthFailed(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsNotFound checks whether err reports a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNameTaken checks whether err reports an active-name collision.
func IsNameTaken(err error) bool {
	return errors.Is(err, ErrNameTaken)
}

// IsIntegrityFailed checks whether err reports a per-entry integrity failure.
func IsIntegrityFailed(err error) bool {
	return errors.Is(err, ErrIntegrityFailed)
}

// IsIOError checks whether err is a lower-level I/O failure.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
