package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sendient/ai-detector-sub001/records"
)

// Cancel stops work on a document.
//
//   - uploaded: cancelled before extraction starts.
//   - queued: removed from the queue, cancelled, hold released, blobs deleted.
//   - assessing: flagged; the worker holding it cancels the document when the
//     call returns and discards any result. A call running in this process is
//     interrupted.
//   - extracting or terminal: records.ErrInvalidTransition.
//
// It returns the document as it stands after the request.
func (s *Scheduler) Cancel(ctx context.Context, docID string) (*records.Document, error) {
	// The status can move between the read and the write; re-read and
	// retry a bounded number of times.
	for attempt := 0; attempt < 5; attempt++ {
		doc, err := s.store.Get(ctx, docID)
		if err != nil {
			return nil, err
		}
		switch doc.Status {
		case records.StatusUploaded, records.StatusQueued:
			out, err := s.store.Transition(ctx, docID, records.StatusCancelled, records.Patch{})
			if errors.Is(err, records.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if doc.Status == records.StatusQueued {
				if _, err := s.queue.Remove(ctx, docID); err != nil {
					s.logger.Warn("scheduler: remove cancelled job", "document_id", docID, "error", err)
				}
			}
			s.cleanupCancelled(ctx, out)
			return out, nil

		case records.StatusAssessing:
			ok, err := s.store.RequestCancel(ctx, docID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			s.interrupt(docID)
			return s.store.Get(ctx, docID)

		default:
			return nil, &records.TransitionError{ID: docID, From: doc.Status, To: records.StatusCancelled}
		}
	}
	return nil, fmt.Errorf("scheduler: cancel %s: status kept changing", docID)
}
