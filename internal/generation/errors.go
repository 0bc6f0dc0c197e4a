package generation

import (
	"errors"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindBackendError Kind = "backend_error"
)

// Error is the typed failure returned by the Gateway.
type Error struct {
	Kind   Kind
	Stage  domain.Stage
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation %s for %s: %s", e.Kind, e.Stage, e.Detail)
}

// Is lets errors.Is match the domain sentinels for each kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTimeout:
		return target == domain.ErrGenerationTimeout
	case KindBackendError:
		return target == domain.ErrGenerationBackend
	}
	return false
}

// TransientError is a backend failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
