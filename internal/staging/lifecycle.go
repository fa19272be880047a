package staging

import (
	"errors"
	"fmt"
)

// ImportStatus is an import's position in its processing lifecycle.
type ImportStatus string

// Import statuses. Completed and stopped are terminal; an import in error
// stays non-terminal and is retried every processing tick until corrected
// externally or deactivated.
const (
	ImportReady      ImportStatus = "ready"
	ImportProcessing ImportStatus = "processing"
	ImportStopped    ImportStatus = "stopped"
	ImportError      ImportStatus = "error"
	ImportCompleted  ImportStatus = "completed"
)

// Sentinel errors for status transition validation. Usable with errors.Is.
var (
	// ErrInvalidStatus indicates an unknown import status value.
	ErrInvalidStatus = errors.New("invalid import status")

	// ErrInvalidTransition indicates a disallowed status transition.
	ErrInvalidTransition = errors.New("invalid import status transition")

	// ErrTerminalStatusImmutable indicates an attempt to move an import out
	// of a terminal status.
	ErrTerminalStatusImmutable = errors.New("terminal import status is immutable")
)

// IsTerminal reports whether the status ends the import's lifecycle.
func (s ImportStatus) IsTerminal() bool {
	return s == ImportCompleted || s == ImportStopped
}

func (s ImportStatus) valid() bool {
	switch s {
	case ImportReady, ImportProcessing, ImportStopped, ImportError, ImportCompleted:
		return true
	default:
		return false
	}
}

// ValidateStatusTransition validates a single import status transition.
//
// Valid transitions:
//   - ready      → {processing, error, stopped, completed}
//   - processing → {ready, error, stopped, completed}
//   - error      → {ready, processing, stopped, completed}
//   - terminal   → same status only (idempotent)
//
// Re-entering the same non-terminal status is always allowed; the
// processing loop re-marks an import "processing" on every tick it works
// on it.
func ValidateStatusTransition(from, to ImportStatus) error {
	if !from.valid() || !to.valid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidStatus, from, to)
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStatusImmutable, from, to)
		}

		return nil
	}

	// all non-terminal → any transition is legal, including self
	return nil
}
