package records

import (
	"errors"
	"fmt"
)

// Status is a document lifecycle state.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusExtracting Status = "extracting"
	StatusQueued     Status = "queued"
	StatusAssessing  Status = "assessing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every document status in lifecycle order.
var Statuses = []Status{
	StatusUploaded, StatusExtracting, StatusQueued, StatusAssessing,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// edges is the transition graph. assessing→queued carries a transient retry
// (or a worker lost mid-call) back to the queue; assessing→cancelled is the
// forced cancel applied when an in-flight call returns.
var edges = map[Status][]Status{
	StatusUploaded:   {StatusExtracting, StatusCancelled},
	StatusExtracting: {StatusQueued, StatusFailed},
	StatusQueued:     {StatusAssessing, StatusFailed, StatusCancelled},
	StatusAssessing:  {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned for edges outside the graph.
	ErrInvalidTransition = errors.New("records: invalid transition")
	// ErrCancelRequested is returned when an assessing document with a
	// pending cancel request is moved anywhere but cancelled.
	ErrCancelRequested = errors.New("records: cancel requested")
	// ErrNotFound is returned for unknown documents and batches.
	ErrNotFound = errors.New("records: not found")
	// ErrMetricsImmutable is returned when metrics are set twice with
	// different values.
	ErrMetricsImmutable = errors.New("records: metrics already set")
	// ErrEmptyBatch is returned when creating a batch with no documents.
	ErrEmptyBatch = errors.New("records: batch has no documents")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("records: invalid transition %s → %s for document %s", e.From, e.To, e.ID)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// BatchStatus is the aggregate status of a batch.
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchCompleted      BatchStatus = "completed"
	BatchPartialFailure BatchStatus = "partial_failure"
	BatchFailed         BatchStatus = "failed"
	BatchCancelled      BatchStatus = "cancelled"
)

// AggregateStatus derives a batch status from its members. Any non-terminal
// member keeps the batch pending. Cancelled members are otherwise ignored: a
// batch of only cancelled members is cancelled, and the rest is decided by
// completed versus failed.
func AggregateStatus(members []Status) BatchStatus {
	var completed, failed int
	for _, s := range members {
		switch s {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
		default:
			return BatchPending
		}
	}
	switch {
	case len(members) == 0:
		return BatchPending
	case completed == 0 && failed == 0:
		return BatchCancelled
	case failed == 0:
		return BatchCompleted
	case completed == 0:
		return BatchFailed
	default:
		return BatchPartialFailure
	}
}
