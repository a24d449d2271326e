// Package scheduler runs queued documents through the scorer with a fixed
// number of workers, highest priority first.
//
// A document reaches the scheduler in status queued with its quota hold
// attached. Each job ends in exactly one of: completed (hold committed),
// failed (hold released), cancelled (hold released), or queued again with
// a backoff delay after a transient scorer failure.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/jobq"
	"github.com/Sendient/ai-detector-sub001/observability"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/scoring"
)

// Error kinds recorded on documents the scheduler fails.
const (
	KindAssessmentExhausted = "assessment_exhausted"
	KindAssessmentRejected  = "assessment_rejected"
	KindStorageError        = "storage_error"
)

// staleMargin is added to AssessTimeout to get how long a document may sit in
// assessing before a worker treats it as abandoned.
const staleMargin = time.Minute

// Config tunes the scheduler.
type Config struct {
	Workers       int           `yaml:"workers"`        // Default: 4.
	MaxRetries    int           `yaml:"max_retries"`    // retries after the first attempt; 0 disables retries.
	BaseBackoff   time.Duration `yaml:"base_backoff"`   // Default: 2s.
	MaxBackoff    time.Duration `yaml:"max_backoff"`    // Default: 2m.
	AssessTimeout time.Duration `yaml:"assess_timeout"` // Default: 60s.
	PollInterval  time.Duration `yaml:"poll_interval"`  // Default: 1s.
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.AssessTimeout <= 0 {
		c.AssessTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Scheduler dispatches assessment jobs. Create it with New.
type Scheduler struct {
	store  *records.Store
	ledger *quota.Ledger
	queue  *jobq.Q
	blobs  blobstore.Gateway
	scorer scoring.Scorer
	cfg    Config

	logger  *slog.Logger
	metrics *observability.MetricsManager
	events  *observability.EventLogger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	freed    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records assessment durations and retries.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Scheduler) { s.metrics = mm }
}

// WithEvents records document.completed, document.failed and
// document.cancelled events.
func WithEvents(el *observability.EventLogger) Option {
	return func(s *Scheduler) { s.events = el }
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New wires a scheduler. Zero Config fields take their defaults, except
// MaxRetries: zero means a transient failure is final.
func New(store *records.Store, ledger *quota.Ledger, queue *jobq.Q, blobs blobstore.Gateway,
	scorer scoring.Scorer, cfg Config, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		store:    store,
		ledger:   ledger,
		queue:    queue,
		blobs:    blobs,
		scorer:   scorer,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]context.CancelFunc),
		freed:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Backoff returns the delay before retry n (0-based):
// min(BaseBackoff * 2^n, MaxBackoff).
func (s *Scheduler) Backoff(n int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 0; i < n; i++ {
		if d >= s.cfg.MaxBackoff/2 {
			return s.cfg.MaxBackoff
		}
		d *= 2
	}
	return min(d, s.cfg.MaxBackoff)
}

// Enqueue makes a queued document eligible for dispatch.
func (s *Scheduler) Enqueue(ctx context.Context, docID string, priority int) error {
	if err := s.queue.Publish(ctx, docID, priority, nil, 0); err != nil {
		return fmt.Errorf("scheduler: enqueue %s: %w", docID, err)
	}
	return nil
}

// Run dispatches jobs to at most Workers concurrent assessments until ctx is
// cancelled, then waits for the in-flight ones to finish. In-flight work is
// not interrupted by ctx; each call is bounded by AssessTimeout.
func (s *Scheduler) Run(ctx context.Context) {
	log := s.logger
	log.Info("scheduler: started",
		"workers", s.cfg.Workers,
		"max_retries", s.cfg.MaxRetries,
		"assess_timeout", s.cfg.AssessTimeout)

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	base := context.WithoutCancel(ctx)

	for {
		s.fill(ctx, base, sem, &wg)
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopping, draining in-flight assessments")
			wg.Wait()
			log.Info("scheduler: stopped")
			return
		case <-ticker.C:
		case <-s.queue.Ready():
		case <-s.freed:
		}
	}
}

// fill claims jobs while worker slots are free.
func (s *Scheduler) fill(ctx, base context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		job, err := s.queue.Claim(ctx)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler: claim failed", "error", err)
			}
			return
		}
		wg.Add(1)
		go func(j *jobq.Job) {
			defer wg.Done()
			defer func() {
				<-sem
				select {
				case s.freed <- struct{}{}:
				default:
				}
			}()
			s.process(base, j)
		}(job)
	}
}

// process runs one claimed job to an outcome.
func (s *Scheduler) process(ctx context.Context, job *jobq.Job) {
	log := s.logger.With("document_id", job.ID)

	doc, err := s.store.Get(ctx, job.ID)
	if errors.Is(err, records.ErrNotFound) {
		s.ack(ctx, job.ID)
		return
	}
	if err != nil {
		log.Warn("scheduler: load document", "error", err)
		s.nack(ctx, job.ID, s.cfg.PollInterval)
		return
	}
	switch doc.Status {
	case records.StatusQueued:
	case records.StatusAssessing:
		if age := s.now().Sub(doc.StatusChangedAt); age < s.cfg.AssessTimeout+staleMargin {
			// Held by another worker; it acks when done. Look again once its
			// call must have ended.
			s.nack(ctx, job.ID, s.cfg.AssessTimeout+staleMargin-age)
			return
		}
		if doc = s.reclaim(ctx, doc); doc == nil {
			return
		}
	default:
		log.Debug("scheduler: dropping job for non-queued document", "status", doc.Status)
		s.ack(ctx, job.ID)
		return
	}

	doc, err = s.store.Transition(ctx, doc.ID, records.StatusAssessing, records.Patch{})
	if err != nil {
		if errors.Is(err, records.ErrInvalidTransition) {
			s.ack(ctx, job.ID)
			return
		}
		log.Warn("scheduler: start assessment", "error", err)
		s.nack(ctx, job.ID, s.cfg.PollInterval)
		return
	}
	if err := s.queue.Extend(ctx, job.ID, s.cfg.AssessTimeout+staleMargin); err != nil {
		log.Warn("scheduler: extend visibility", "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.AssessTimeout)
	s.track(doc.ID, cancel)
	start := time.Now()
	score, err := s.assess(callCtx, doc)
	s.untrack(doc.ID)
	cancel()
	elapsed := time.Since(start)

	cur, gerr := s.store.Get(ctx, doc.ID)
	if gerr == nil && cur.CancelRequested {
		s.finishCancelled(ctx, cur)
		return
	}

	switch {
	case err == nil:
		s.complete(ctx, doc, score, elapsed)
	case errors.Is(err, blobstore.ErrNotFound):
		s.fail(ctx, doc, KindStorageError, err)
	case scoring.IsTransient(err):
		s.retry(ctx, doc, err)
	default:
		s.fail(ctx, doc, KindAssessmentRejected, err)
	}
}

// reclaim takes back a document left in assessing by a worker that never
// finished it. It returns the document queued again, or nil when there is
// nothing left to run.
func (s *Scheduler) reclaim(ctx context.Context, doc *records.Document) *records.Document {
	log := s.logger.With("document_id", doc.ID)
	if doc.CancelRequested {
		s.finishCancelled(ctx, doc)
		return nil
	}
	queued, err := s.store.Transition(ctx, doc.ID, records.StatusQueued, records.Patch{})
	switch {
	case errors.Is(err, records.ErrCancelRequested):
		s.finishCancelled(ctx, doc)
		return nil
	case errors.Is(err, records.ErrInvalidTransition):
		// Settled meanwhile; the next claim drops the job.
		s.nack(ctx, doc.ID, 0)
		return nil
	case err != nil:
		log.Error("scheduler: reclaim abandoned document", "error", err)
		s.nack(ctx, doc.ID, s.cfg.PollInterval)
		return nil
	}
	log.Warn("scheduler: reclaimed abandoned document", "since", doc.StatusChangedAt)
	return queued
}

// unsettled handles a terminal write that did not land. The document goes
// back to queued and the job reappears after a backoff. A pending cancel
// wins over both.
func (s *Scheduler) unsettled(ctx context.Context, doc *records.Document, op string, err error) {
	if errors.Is(err, records.ErrCancelRequested) {
		s.finishCancelled(ctx, doc)
		return
	}
	log := s.logger.With("document_id", doc.ID)
	log.Error("scheduler: "+op, "error", err)
	if _, err := s.store.Transition(ctx, doc.ID, records.StatusQueued, records.Patch{}); err != nil {
		if errors.Is(err, records.ErrCancelRequested) {
			s.finishCancelled(ctx, doc)
			return
		}
		// Still assessing; reclaimed once it goes stale.
		log.Error("scheduler: requeue after failed write", "error", err)
	}
	s.nack(ctx, doc.ID, s.Backoff(doc.RetryCount))
}

func (s *Scheduler) assess(ctx context.Context, doc *records.Document) (scoring.Score, error) {
	text, err := s.blobs.Get(ctx, doc.TextKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return scoring.Score{}, err
		}
		return scoring.Score{}, scoring.TransientError(fmt.Errorf("load text: %w", err))
	}
	return s.scorer.Assess(ctx, string(text))
}

// storedResult is the JSON document written under the result key.
type storedResult struct {
	DocumentID string    `json:"document_id"`
	TenantID   string    `json:"tenant_id"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	WordCount  int64     `json:"word_count"`
	CharCount  int64     `json:"char_count"`
	Retries    int       `json:"retries"`
	AssessedAt time.Time `json:"assessed_at"`
}

func (s *Scheduler) complete(ctx context.Context, doc *records.Document, score scoring.Score, elapsed time.Duration) {
	log := s.logger.With("document_id", doc.ID)
	res := storedResult{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Score:      score.Value,
		Confidence: score.Confidence,
		Retries:    doc.RetryCount,
		AssessedAt: s.now().UTC(),
	}
	if doc.Metrics != nil {
		res.WordCount, res.CharCount = doc.Metrics.Words, doc.Metrics.Chars
	}
	data, err := json.Marshal(res)
	if err != nil {
		s.fail(ctx, doc, KindStorageError, err)
		return
	}
	key := blobstore.ResultKey(doc.TenantID, doc.ID)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		s.retry(ctx, doc, scoring.TransientError(fmt.Errorf("store result: %w", err)))
		return
	}

	_, err = s.store.Transition(ctx, doc.ID, records.StatusCompleted, records.Patch{
		Result: &records.Result{Key: key, Score: score.Value, Confidence: score.Confidence},
	})
	if err != nil {
		s.unsettled(ctx, doc, "complete document", err)
		return
	}
	if doc.ReservationID != "" {
		if err := s.ledger.Commit(ctx, doc.ReservationID); err != nil {
			// Recover commits held reservations of completed documents.
			log.Error("scheduler: commit reservation", "error", err, "reservation_id", doc.ReservationID)
		}
	}
	s.ack(ctx, doc.ID)
	s.observe(observability.MetricAssessmentDurationMs, float64(elapsed.Milliseconds()), "ms", "completed")
	s.event(ctx, observability.EventDocumentCompleted, doc, true, "")
	log.Info("scheduler: document completed", "score", score.Value, "retries", doc.RetryCount)
}

func (s *Scheduler) retry(ctx context.Context, doc *records.Document, cause error) {
	if doc.RetryCount >= s.cfg.MaxRetries {
		s.fail(ctx, doc, KindAssessmentExhausted, cause)
		return
	}
	log := s.logger.With("document_id", doc.ID)
	delay := s.Backoff(doc.RetryCount)
	n := doc.RetryCount + 1
	if _, err := s.store.Transition(ctx, doc.ID, records.StatusQueued, records.Patch{RetryCount: &n}); err != nil {
		if errors.Is(err, records.ErrCancelRequested) {
			s.finishCancelled(ctx, doc)
			return
		}
		log.Error("scheduler: requeue document", "error", err)
		s.nack(ctx, doc.ID, delay)
		return
	}
	if err := s.queue.Publish(ctx, doc.ID, doc.Priority, nil, delay); err != nil {
		log.Error("scheduler: republish job", "error", err)
		s.nack(ctx, doc.ID, delay)
	}
	s.observe(observability.MetricAssessmentRetries, float64(n), "count", "retry")
	log.Warn("scheduler: transient assessment failure, retrying",
		"error", cause, "retry", n, "delay", delay)
}

func (s *Scheduler) fail(ctx context.Context, doc *records.Document, kind string, cause error) {
	log := s.logger.With("document_id", doc.ID)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if _, err := s.store.Transition(ctx, doc.ID, records.StatusFailed, records.Patch{
		ErrorKind: kind, ErrorDetail: detail,
	}); err != nil {
		s.unsettled(ctx, doc, "fail document", err)
		return
	}
	s.release(ctx, doc)
	s.ack(ctx, doc.ID)
	s.observe(observability.MetricAssessmentRetries, float64(doc.RetryCount), "count", kind)
	s.event(ctx, observability.EventDocumentFailed, doc, false, kind)
	log.Warn("scheduler: document failed", "kind", kind, "error", cause)
}

func (s *Scheduler) finishCancelled(ctx context.Context, doc *records.Document) {
	if _, err := s.store.Transition(ctx, doc.ID, records.StatusCancelled, records.Patch{}); err != nil {
		s.logger.Error("scheduler: cancel in-flight document", "document_id", doc.ID, "error", err)
		s.nack(ctx, doc.ID, s.Backoff(doc.RetryCount))
		return
	}
	s.cleanupCancelled(ctx, doc)
	s.ack(ctx, doc.ID)
}

// cleanupCancelled releases the hold and deletes the stored blobs of a
// document that just became cancelled.
func (s *Scheduler) cleanupCancelled(ctx context.Context, doc *records.Document) {
	s.release(ctx, doc)
	for _, key := range []string{doc.RawKey, doc.TextKey, blobstore.ResultKey(doc.TenantID, doc.ID)} {
		if key == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("scheduler: delete blob", "key", key, "error", err)
		}
	}
	s.event(ctx, observability.EventDocumentCancelled, doc, true, "")
	s.logger.Info("scheduler: document cancelled", "document_id", doc.ID)
}

func (s *Scheduler) release(ctx context.Context, doc *records.Document) {
	if doc.ReservationID == "" {
		return
	}
	if err := s.ledger.Release(ctx, doc.ReservationID); err != nil {
		// Recover releases held reservations of failed and cancelled documents.
		s.logger.Error("scheduler: release reservation",
			"document_id", doc.ID, "reservation_id", doc.ReservationID, "error", err)
	}
}

func (s *Scheduler) ack(ctx context.Context, id string) {
	if err := s.queue.Ack(ctx, id); err != nil {
		s.logger.Warn("scheduler: ack", "document_id", id, "error", err)
	}
}

func (s *Scheduler) nack(ctx context.Context, id string, delay time.Duration) {
	if err := s.queue.Nack(ctx, id, delay); err != nil {
		s.logger.Warn("scheduler: nack", "document_id", id, "error", err)
	}
}

func (s *Scheduler) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// interrupt cancels the in-flight call for id in this process, if any.
func (s *Scheduler) interrupt(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) observe(name string, v float64, unit, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(name, v, unit, map[string]string{"outcome": outcome})
}

func (s *Scheduler) event(ctx context.Context, typ string, doc *records.Document, ok bool, kind string) {
	if s.events == nil {
		return
	}
	details := ""
	if kind != "" {
		details = fmt.Sprintf(`{"error_kind":%q}`, kind)
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		Type:       typ,
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		BatchID:    doc.BatchID,
		Details:    details,
		Success:    ok,
	})
}
