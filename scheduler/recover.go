package scheduler

import (
	"context"
	"fmt"

	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
)

// RecoveryReport counts what Recover repaired.
type RecoveryReport struct {
	Requeued    int // assessing documents put back in the queue
	Cancelled   int // assessing documents whose cancel request was pending
	Republished int // queued documents that had lost their job
	Committed   int // holds committed for completed documents
	Released    int // holds released for failed or cancelled documents
}

// Recover repairs state left by a crash. It must run before Run, while no
// worker holds a document.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	assessing, err := s.store.ListByStatus(ctx, records.StatusAssessing)
	if err != nil {
		return rep, fmt.Errorf("scheduler: recover: %w", err)
	}
	for _, d := range assessing {
		if d.CancelRequested {
			if err := s.recoverCancelled(ctx, d); err != nil {
				return rep, err
			}
			rep.Cancelled++
			continue
		}
		if _, err := s.store.Transition(ctx, d.ID, records.StatusQueued, records.Patch{}); err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
		if err := s.queue.Publish(ctx, d.ID, d.Priority, nil, 0); err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
		rep.Requeued++
	}

	queued, err := s.store.ListByStatus(ctx, records.StatusQueued)
	if err != nil {
		return rep, fmt.Errorf("scheduler: recover: %w", err)
	}
	for _, d := range queued {
		job, err := s.queue.Get(ctx, d.ID)
		if err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
		if job != nil {
			continue
		}
		if err := s.queue.Publish(ctx, d.ID, d.Priority, nil, 0); err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
		rep.Republished++
	}

	settled, err := s.store.ListByStatus(ctx, records.StatusCompleted, records.StatusFailed, records.StatusCancelled)
	if err != nil {
		return rep, fmt.Errorf("scheduler: recover: %w", err)
	}
	for _, d := range settled {
		if d.ReservationID == "" {
			continue
		}
		r, err := s.ledger.Get(ctx, d.ReservationID)
		if err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
		if r.State != quota.StateHeld {
			continue
		}
		if d.Status == records.StatusCompleted {
			err = s.ledger.Commit(ctx, r.ID)
			rep.Committed++
		} else {
			err = s.ledger.Release(ctx, r.ID)
			rep.Released++
		}
		if err != nil {
			return rep, fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
		}
	}

	if rep != (RecoveryReport{}) {
		s.logger.Info("scheduler: recovered",
			"requeued", rep.Requeued, "cancelled", rep.Cancelled, "republished", rep.Republished,
			"committed", rep.Committed, "released", rep.Released)
	}
	return rep, nil
}

// recoverCancelled applies a cancel that was accepted while d was assessing
// but never carried out.
func (s *Scheduler) recoverCancelled(ctx context.Context, d *records.Document) error {
	out, err := s.store.Transition(ctx, d.ID, records.StatusCancelled, records.Patch{})
	if err != nil {
		return fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
	}
	if _, err := s.queue.Remove(ctx, d.ID); err != nil {
		return fmt.Errorf("scheduler: recover %s: %w", d.ID, err)
	}
	s.cleanupCancelled(ctx, out)
	return nil
}
