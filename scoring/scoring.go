// Package scoring is the client side of the external assessment service.
// The service turns a document's text into a score and a confidence; this
// package only defines the call contract, classifies its failures and
// guards it with a circuit breaker.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Score is a successful assessment.
type Score struct {
	Value      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Scorer assesses text. Implementations must honor the ctx deadline.
type Scorer interface {
	Assess(ctx context.Context, text string) (Score, error)
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, text string) (Score, error)

func (f Func) Assess(ctx context.Context, text string) (Score, error) { return f(ctx, text) }

// Kind separates retryable failures from terminal ones.
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// AssessmentError is a classified scorer failure.
type AssessmentError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *AssessmentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scoring: %s failure (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scoring: %s failure: %v", e.Kind, e.Err)
}

func (e *AssessmentError) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable failure.
func TransientError(err error) error { return &AssessmentError{Kind: Transient, Err: err} }

// PermanentError wraps err as a terminal failure.
func PermanentError(err error) error { return &AssessmentError{Kind: Permanent, Err: err} }

// IsTransient reports whether err should be retried. Classified errors use
// their Kind; unclassified deadline and network errors are transient and
// anything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *AssessmentError
	if errors.As(err, &ae) {
		return ae.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ClassifyStatus maps an HTTP status from the scorer to a Kind. Timeouts,
// throttling and server errors are transient; other client errors mean the
// request itself was rejected.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}
