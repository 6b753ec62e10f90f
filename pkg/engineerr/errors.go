// Package engineerr defines the sentinel error kinds shared by the store,
// orchestrator, and scheduler layers. It has no dependencies on the rest of
// the module so that every layer, including the top-level engine that wires
// them together, can import it without creating a cycle.
package engineerr

import "errors"

// Sentinel errors for the error kinds named in spec §7. Callers check
// these with errors.Is; each is wrapped with context via fmt.Errorf at the
// layer that produces it.
var (
	ErrNotFound         = errors.New("engine: task not found")
	ErrAlreadyRunning   = errors.New("engine: task already running")
	ErrInputInvalid     = errors.New("engine: invalid input")
	ErrRemotePrepFailed = errors.New("engine: remote directory preparation failed")
	ErrPreTrashFailed   = errors.New("engine: pre-trash batch failed")
	ErrPrimaryFailed    = errors.New("engine: primary transfer failed")
	ErrFallbackFailed   = errors.New("engine: fallback transfer failed")
	ErrTimeout          = errors.New("engine: child process timed out")
	ErrCleanupFailed    = errors.New("engine: cleanup step failed")
	ErrSecretBoxError   = errors.New("engine: secret box operation failed")
)
