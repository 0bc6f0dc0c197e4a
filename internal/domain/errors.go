package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors.Is works
// for errors built with NewEngineError or WrapEngineError.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Errorf builds an EngineError with the code of base and a formatted message.
func Errorf(base *EngineError, format string, args ...any) *EngineError {
	return &EngineError{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// ---- Lookup errors (-32010 to -32019) ----

var (
	ErrNotFound         = &EngineError{Code: -32010, Message: "task not found"}
	ErrNotInScope       = &EngineError{Code: -32011, Message: "stage is not in the task's required sequence"}
	ErrUnknownCandidate = &EngineError{Code: -32012, Message: "candidate is not in the current round"}
	ErrUnknownStage     = &EngineError{Code: -32013, Message: "unknown stage"}
)

// ---- State machine errors (-32020 to -32039) ----

var (
	ErrInvalidTransition      = &EngineError{Code: -32020, Message: "action not valid in current state"}
	ErrGateBlocked            = &EngineError{Code: -32021, Message: "stage gate blocked commit"}
	ErrRegenerationLimit      = &EngineError{Code: -32022, Message: "regeneration limit reached for stage"}
	ErrArtifactLocked         = &EngineError{Code: -32023, Message: "artifact is locked"}
	ErrConcurrentModification = &EngineError{Code: -32024, Message: "task was modified concurrently"}
	ErrSuperseded             = &EngineError{Code: -32025, Message: "generation result superseded by a newer action"}
	ErrEmptyContent           = &EngineError{Code: -32026, Message: "content must not be empty"}
	ErrUnknownAction          = &EngineError{Code: -32027, Message: "unknown action"}
	ErrInvalidInput           = &EngineError{Code: -32028, Message: "invalid task input"}
)

// ---- Generation errors (-32040 to -32049) ----

var (
	ErrGenerationTimeout = &EngineError{Code: -32040, Message: "generation timed out"}
	ErrGenerationBackend = &EngineError{Code: -32041, Message: "generation backend failed"}
)

// ---- Guard errors (-32100 to -32109) ----

var (
	ErrRateLimitExceeded = &EngineError{Code: -32100, Message: "rate limit exceeded"}
	ErrTooManyTasks      = &EngineError{Code: -32101, Message: "too many active tasks"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrStoreLocked     = &EngineError{Code: -32133, Message: "database is owned by another process"}
	ErrSnapshotCorrupt = &EngineError{Code: -32134, Message: "snapshot checksum mismatch"}
	ErrRecoveryFailed  = &EngineError{Code: -32135, Message: "recovery from store failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
)
