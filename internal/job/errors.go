package job

import "errors"

var (
	// ErrInvalidJobType is returned when creating a job with a type outside the closed enum
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrNotFound is returned when a job cannot be found in the store
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned on an attempted transition out of a terminal status
	ErrAlreadyTerminal = errors.New("job already in terminal status")

	// ErrAlreadyClaimed is returned when claiming a job that is not PENDING anymore
	ErrAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrCancelled signals a processor that its job was cancelled mid-flight;
	// processors return it from a checkpoint and stop doing work
	ErrCancelled = errors.New("job cancelled")

	// ErrLockContention means another holder owns the coordination lock.
	// Not fatal: the caller skips the pass.
	ErrLockContention = errors.New("lock held by another holder")

	// ErrWorkerUnhealthy means the health gate rejected a processing pass
	ErrWorkerUnhealthy = errors.New("worker unhealthy, refusing processing pass")

	// ErrNotTerminal is returned when deleting a job that is still PENDING
	// or PROCESSING; only settled jobs may be removed
	ErrNotTerminal = errors.New("job is not in a terminal status")
)

// RetryableError wraps transient failures (external service errors) that
// should send the job back to PENDING for another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
