package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in QUEUED status")

	// ErrInvalidState is returned when an operation is not permitted in the job's current status
	ErrInvalidState = errors.New("operation not permitted in current job status")

	// ErrInsufficientCredits is returned when the owner's balance does not cover a job
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnsupportedURL is returned when a submitted URL is not from the supported platform
	ErrUnsupportedURL = errors.New("unsupported source URL")
)

// Failure kinds. Retryability is a property of the kind, never decided
// inside the fetcher or a pipeline stage.
const (
	KindRateLimited  = "RATE_LIMITED"  // retryable, rotates the circuit
	KindTransient    = "TRANSIENT"     // retryable, network/timeout class
	KindNotFound     = "NOT_FOUND"     // terminal, source has no usable content
	KindUnsupported  = "UNSUPPORTED"   // terminal
	KindStageFailure = "STAGE_FAILURE" // terminal after the current attempt
	KindPoison       = "POISON"        // attempt budget exhausted, dead-lettered
	KindAborted      = "ABORTED"       // owner requested abort
)

// ClassifiedError carries the failure kind and, for stage failures, the
// originating stage name.
type ClassifiedError struct {
	Kind  string
	Stage string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [stage %s]: %v", e.Kind, e.Stage, e.Err)
	}
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func RateLimited(err error) error {
	return &ClassifiedError{Kind: KindRateLimited, Err: err}
}

func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

func NotFound(err error) error {
	return &ClassifiedError{Kind: KindNotFound, Err: err}
}

func Unsupported(err error) error {
	return &ClassifiedError{Kind: KindUnsupported, Err: err}
}

func StageFailure(stage string, err error) error {
	return &ClassifiedError{Kind: KindStageFailure, Stage: stage, Err: err}
}

func Aborted() error {
	return &ClassifiedError{Kind: KindAborted, Err: errors.New("aborted by owner")}
}

// KindOf extracts the failure kind from an error chain. Unclassified
// errors are treated as transient so they feed the retry path.
func KindOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// StageOf extracts the originating stage name, if recorded.
func StageOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return ""
}

// Retryable reports whether the error class feeds the requeue path.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}
