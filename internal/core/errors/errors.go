// Package errors defines the pipeline error taxonomy.
//
// Classification decides recovery, not logging:
//   - transient network errors and rate limits are retryable at the page level
//   - rate limits additionally shrink fetch concurrency
//   - permanent failures (rejected requests) fail the partition without retrying
//   - schema drift is fatal for the affected dataset
//   - integrity errors are dropped and counted, never raised past the stage
package errors

import (
	"errors"
	"fmt"
)

// Kind partitions pipeline failures by how they must be handled.
type Kind int

const (
	KindTransient Kind = iota // retry with backoff
	KindRateLimit             // retry with backoff, reduce concurrency
	KindPermanent             // fail immediately, no retry
	KindSchema                // fatal for the dataset
	KindIntegrity             // drop the record, count the discard
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindPermanent:
		return "permanent"
	case KindSchema:
		return "schema"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// PipelineError carries a Kind alongside the underlying cause.
type PipelineError struct {
	Kind Kind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable network failure.
func Transient(err error) error {
	return &PipelineError{Kind: KindTransient, Err: err}
}

// RateLimited wraps err as a throttling response.
func RateLimited(err error) error {
	return &PipelineError{Kind: KindRateLimit, Err: err}
}

// Permanent wraps err as a failure that retrying cannot fix.
func Permanent(err error) error {
	return &PipelineError{Kind: KindPermanent, Err: err}
}

// Schema wraps err as fatal schema drift.
func Schema(err error) error {
	return &PipelineError{Kind: KindSchema, Err: err}
}

// Schemaf is Schema with formatting.
func Schemaf(format string, args ...any) error {
	return &PipelineError{Kind: KindSchema, Err: fmt.Errorf(format, args...)}
}

// Integrity wraps err as a droppable data problem.
func Integrity(err error) error {
	return &PipelineError{Kind: KindIntegrity, Err: err}
}

// Integrityf is Integrity with formatting.
func Integrityf(format string, args ...any) error {
	return &PipelineError{Kind: KindIntegrity, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or KindTransient for unclassified errors.
// Unclassified errors from the network layer get retried; genuinely fatal
// conditions must be classified explicitly at the boundary.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err may be retried at the page level.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimit
}

// IsRateLimit reports whether err is a throttling response.
func IsRateLimit(err error) bool { return KindOf(err) == KindRateLimit }

// IsSchema reports whether err is fatal schema drift.
func IsSchema(err error) bool { return KindOf(err) == KindSchema }
