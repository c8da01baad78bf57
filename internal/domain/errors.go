package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Store errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrCorruptRecord     = errors.New("task record is corrupt")
	ErrInvalidTransition = errors.New("invalid task state transition")

	// Input errors
	ErrInputMissing        = errors.New("input file does not exist")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// InputError rejects a request before a task is created.
// Such requests never receive a task id.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %q: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// IsInputError reports whether err rejects the caller's input.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
