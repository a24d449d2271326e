package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/extractor"
	"github.com/Sendient/ai-detector-sub001/observability"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
)

// prepare moves an uploaded document to queued: extract, store the text,
// set metrics, hold quota, enqueue. Every failure ends the document in
// failed with a kind. It resumes a document already in extracting.
func (s *Service) prepare(ctx context.Context, docID string) {
	log := s.logger.With("document_id", docID)

	d, err := s.Store.Get(ctx, docID)
	if err != nil {
		log.Error("pipeline: load document", "error", err)
		return
	}
	switch d.Status {
	case records.StatusUploaded:
		d, err = s.Store.Transition(ctx, docID, records.StatusExtracting, records.Patch{})
		if errors.Is(err, records.ErrInvalidTransition) {
			// Cancelled before extraction started.
			return
		}
		if err != nil {
			log.Error("pipeline: start extraction", "error", err)
			return
		}
	case records.StatusExtracting:
	default:
		return
	}

	raw, err := s.Blobs.Get(ctx, d.RawKey)
	if err != nil {
		s.fail(ctx, d, KindStorageError, err)
		return
	}

	start := time.Now()
	res, err := s.extract(ctx, raw, d.MediaType)
	if err != nil {
		kind := string(extractor.KindOf(err))
		if kind == "" {
			kind = KindCorruptInput
		}
		s.fail(ctx, d, kind, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.Observe(observability.MetricExtractionDurationMs,
			float64(time.Since(start).Milliseconds()), "ms", map[string]string{"media_type": res.MediaType})
	}

	textKey := blobstore.TextKey(d.TenantID, d.ID)
	if err := s.Blobs.Put(ctx, textKey, []byte(res.Text)); err != nil {
		s.fail(ctx, d, KindStorageError, err)
		return
	}
	m := records.Metrics{Words: int64(res.Words), Chars: int64(res.Chars)}
	if err := s.Store.SetMetrics(ctx, d.ID, m); err != nil {
		log.Error("pipeline: set metrics", "error", err)
		return
	}

	plan, err := s.Plans.PlanLimits(ctx, d.TenantID)
	if err != nil {
		s.fail(ctx, d, KindPlanUnavailable, err)
		return
	}
	r, err := s.Ledger.HoldFor(ctx, d.ID, d.TenantID, quota.CycleOf(s.now()), m.Words, m.Chars)
	if errors.Is(err, quota.ErrQuotaExceeded) {
		s.fail(ctx, d, KindQuotaExceeded, err)
		return
	}
	if err != nil {
		s.fail(ctx, d, KindStorageError, err)
		return
	}

	priority := plan.Priority
	d, err = s.Store.Transition(ctx, d.ID, records.StatusQueued, records.Patch{
		TextKey:       textKey,
		ReservationID: r.ID,
		Priority:      &priority,
	})
	if err != nil {
		log.Error("pipeline: queue document", "error", err)
		if rerr := s.Ledger.Release(ctx, r.ID); rerr != nil {
			log.Error("pipeline: release reservation", "error", rerr, "reservation_id", r.ID)
		}
		return
	}
	if err := s.Scheduler.Enqueue(ctx, d.ID, priority); err != nil {
		// Scheduler recovery republishes queued documents without a job.
		log.Error("pipeline: enqueue", "error", err)
	}
	s.event(ctx, observability.EventDocumentQueued, d, true, "")
	log.Info("pipeline: document queued", "words", m.Words, "chars", m.Chars, "priority", priority)
}

// extract runs the extractor, retrying a timed-out extraction up to
// ExtractAttempts times in total.
func (s *Service) extract(ctx context.Context, data []byte, mediaType string) (*extractor.Result, error) {
	var err error
	for attempt := 1; attempt <= s.cfg.ExtractAttempts; attempt++ {
		var res *extractor.Result
		res, err = s.Extractor.Extract(ctx, data, mediaType)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, extractor.ErrExtractionTimeout) {
			return nil, err
		}
		s.logger.Warn("pipeline: extraction timed out", "media_type", mediaType, "attempt", attempt)
	}
	return nil, err
}

func (s *Service) fail(ctx context.Context, d *records.Document, kind string, cause error) {
	d2, err := s.Store.Transition(ctx, d.ID, records.StatusFailed, records.Patch{
		ErrorKind:   kind,
		ErrorDetail: cause.Error(),
	})
	if err != nil {
		s.logger.Error("pipeline: fail document", "document_id", d.ID, "error", err)
		return
	}
	s.event(ctx, observability.EventDocumentFailed, d2, false, kind)
	s.logger.Warn("pipeline: document failed", "document_id", d.ID, "kind", kind, "error", cause)
}
