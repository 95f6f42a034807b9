package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"diabetesai/features"
	"diabetesai/ratelimit"
)

var ErrNoIdentity = errors.New("request has no identity")

// Error kinds reported on failed batch rows and rejection metrics.
const (
	KindValidation = "validation"
	KindInference  = "inference"
	KindRateLimit  = "rate_limit"
	KindBatchSize  = "batch_too_large"
	KindCancelled  = "cancelled"
)

// ValidationError rejects a request whose measurements are missing or out of
// range. No inference was attempted.
type ValidationError struct {
	Errors []features.ValidationError
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(features.Messages(e.Errors, 0), "; ")
}

// InferenceError means the classifier failed or returned a label outside its
// class set.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// BatchTooLargeError rejects a batch before any row is processed.
type BatchTooLargeError struct {
	Size int
	Max  int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d rows exceeds the maximum of %d", e.Size, e.Max)
}

// Kind classifies an error returned by the pipeline.
func Kind(err error) string {
	var validation *ValidationError
	var exceeded *ratelimit.ExceededError
	var tooLarge *BatchTooLargeError
	switch {
	case errors.As(err, &validation), errors.Is(err, ErrNoIdentity):
		return KindValidation
	case errors.As(err, &exceeded):
		return KindRateLimit
	case errors.As(err, &tooLarge):
		return KindBatchSize
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInference
	}
}
