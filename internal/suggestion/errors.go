package suggestion

import (
	"errors"
	"fmt"
)

var (
	ErrBackend       = errors.New("suggestion backend failure")
	ErrSyncTimeout   = errors.New("fork sync timed out")
	ErrMergeRejected = errors.New("fork merge rejected")
	ErrDisposed      = errors.New("manager disposed")
	ErrInvalid       = errors.New("invalid suggestion request")
)

// Error records which operation failed for which suggestion.
type Error struct {
	Op           string
	Path         string
	CellID       string
	SuggestionID string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.CellID != "" {
		msg += " cell=" + e.CellID
	}
	if e.SuggestionID != "" {
		msg += " suggestion=" + e.SuggestionID
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err. Errors that carry none of the package
// sentinels are additionally marked as ErrBackend.
func Wrap(op, path, cellID, suggestionID string, err error) error {
	if err == nil {
		return nil
	}
	if !isSentinel(err) {
		err = fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return &Error{Op: op, Path: path, CellID: cellID, SuggestionID: suggestionID, Err: err}
}

func isSentinel(err error) bool {
	for _, sentinel := range []error{ErrBackend, ErrSyncTimeout, ErrMergeRejected, ErrDisposed, ErrInvalid} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
