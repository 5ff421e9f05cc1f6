package saga

import (
	"errors"
	"fmt"

	"github.com/alfredjeanlab/sagas/internal/store"
)

var (
	ErrUnknownSagaType    = errors.New("unknown saga type")
	ErrSagaNotFound       = errors.New("saga not found")
	ErrSagaBusy           = errors.New("saga is already being driven")
	ErrOrchestratorClosed = errors.New("orchestrator is shut down")
)

// StepErrorCode categorizes step failures.
type StepErrorCode string

const (
	// CodeStepFailed is a failed attempt that was not classified further.
	CodeStepFailed StepErrorCode = "STEP_FAILED"

	// CodeStepTimeout is an attempt that outlived the step's timeout.
	CodeStepTimeout StepErrorCode = "STEP_TIMEOUT"

	// CodeMaxRetriesExceeded means every allowed attempt failed, or the saga
	// was interrupted more often than the orchestrator allows.
	CodeMaxRetriesExceeded StepErrorCode = "MAX_RETRIES_EXCEEDED"

	// CodeNonRetryable is a failure of a step that must not be retried.
	CodeNonRetryable StepErrorCode = "NON_RETRYABLE"
)

// StepError describes why a step gave up.
type StepError struct {
	Code     StepErrorCode
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: step %s after %d attempt(s): %v", e.Code, e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: step %s: %v", e.Code, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsStepError reports whether err is or wraps a *StepError with the given code.
func IsStepError(err error, code StepErrorCode) bool {
	var se *StepError
	return errors.As(err, &se) && se.Code == code
}

// IsTimeout reports whether a step attempt timed out somewhere in err's chain.
func IsTimeout(err error) bool {
	for err != nil {
		var se *StepError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == CodeStepTimeout {
			return true
		}
		err = se.Err
	}
	return false
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, whatever the step's policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ErrorType classifies err for the error_type column of failed sagas and
// dead-letter entries.
func ErrorType(err error) string {
	var se *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return string(se.Code)
	case store.IsStorageError(err):
		return "STORAGE_ERROR"
	default:
		return string(CodeStepFailed)
	}
}
