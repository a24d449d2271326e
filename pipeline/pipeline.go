// Package pipeline is the intake side of the assessment service: it stores
// uploads, extracts and measures their text, reserves quota and hands the
// documents to the scheduler. It also answers the read-side questions
// (document, batch, usage) with tenant isolation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/extractor"
	"github.com/Sendient/ai-detector-sub001/observability"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/report"
	"github.com/Sendient/ai-detector-sub001/safeio"
	"github.com/Sendient/ai-detector-sub001/scheduler"
)

// Error kinds recorded on documents that fail before assessment. The
// extraction kinds come from extractor.Kind.
const (
	KindUnsupportedFormat = string(extractor.KindUnsupportedFormat)
	KindCorruptInput      = string(extractor.KindCorruptInput)
	KindExtractionTimeout = string(extractor.KindExtractionTimeout)
	KindQuotaExceeded     = "quota_exceeded"
	KindStorageError      = "storage_error"
	KindPlanUnavailable   = "plan_unavailable"
)

var (
	// ErrInvalidTenant is returned for an empty or malformed tenant ID.
	ErrInvalidTenant = errors.New("pipeline: invalid tenant id")
	// ErrInvalidFile is returned for an upload without a filename.
	ErrInvalidFile = errors.New("pipeline: invalid file")
	// ErrStorage wraps storage gateway failures during intake.
	ErrStorage = errors.New("pipeline: storage unavailable")
)

// File is one upload.
type File struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Config tunes the service.
type Config struct {
	// IntakeConcurrency bounds concurrent extractions and concurrent blob
	// writes during batch creation. Default: 8.
	IntakeConcurrency int `yaml:"intake_concurrency"`
	// ExtractAttempts is how many times an extraction that timed out is
	// tried in total. Default: 2.
	ExtractAttempts int `yaml:"extract_attempts"`
	// MaxFileBytes rejects larger uploads. Default: 50 MB.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

func (c *Config) defaults() {
	if c.IntakeConcurrency <= 0 {
		c.IntakeConcurrency = 8
	}
	if c.ExtractAttempts <= 0 {
		c.ExtractAttempts = 2
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 50 << 20
	}
}

// Deps are the components the service orchestrates. Metrics and Events are
// optional.
type Deps struct {
	Store     *records.Store
	Ledger    *quota.Ledger
	Plans     quota.PlanSource
	Scheduler *scheduler.Scheduler
	Blobs     blobstore.Gateway
	Extractor *extractor.Registry
	Metrics   *observability.MetricsManager
	Events    *observability.EventLogger
	Logger    *slog.Logger
}

// Service is the pipeline facade.
type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup
}

// New returns a service over deps.
func New(deps Deps, cfg Config) *Service {
	cfg.defaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Deps:   deps,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.IntakeConcurrency),
	}
}

// Wait blocks until every background preparation started so far is done.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) checkTenant(tenantID string) error {
	if err := safeio.ValidateIdentifier(tenantID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTenant, err)
	}
	return nil
}

func (s *Service) checkFile(f File) error {
	if f.Filename == "" {
		return fmt.Errorf("%w: missing filename", ErrInvalidFile)
	}
	if int64(len(f.Data)) > s.cfg.MaxFileBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInvalidFile, f.Filename, len(f.Data), s.cfg.MaxFileBytes)
	}
	return nil
}

func (s *Service) newDocument(tenantID string, f File) *records.Document {
	id := s.Store.NewDocumentID()
	return &records.Document{
		ID:        id,
		TenantID:  tenantID,
		Filename:  f.Filename,
		MediaType: f.MediaType,
		SizeBytes: int64(len(f.Data)),
		RawKey:    blobstore.RawKey(tenantID, id),
	}
}

// Submit stores one upload and returns its record in status uploaded.
// Extraction, quota admission and queueing continue in the background. A
// non-empty batchID appends the document to a batch of the same tenant.
func (s *Service) Submit(ctx context.Context, tenantID string, f File, batchID string) (*records.Document, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return nil, err
	}
	if err := s.checkFile(f); err != nil {
		return nil, err
	}
	d := s.newDocument(tenantID, f)
	d.BatchID = batchID
	if err := s.Blobs.Put(ctx, d.RawKey, f.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.Store.CreateDocument(ctx, d); err != nil {
		s.deleteBlob(ctx, d.RawKey)
		return nil, err
	}
	s.event(ctx, observability.EventDocumentUploaded, d, true, "")
	s.logger.Info("pipeline: document uploaded", "document_id", d.ID, "tenant", tenantID,
		"media_type", d.MediaType, "bytes", d.SizeBytes, "batch_id", batchID)
	s.prepareAsync(d.ID)
	return d, nil
}

// CreateBatch stores every upload, creates the batch and all its documents
// in one transaction and prepares the members in the background. Nothing is
// recorded when a blob cannot be stored.
func (s *Service) CreateBatch(ctx context.Context, tenantID string, files []File) (*records.Batch, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, records.ErrEmptyBatch
	}
	docs := make([]*records.Document, len(files))
	for i, f := range files {
		if err := s.checkFile(f); err != nil {
			return nil, err
		}
		docs[i] = s.newDocument(tenantID, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.IntakeConcurrency)
	for i := range files {
		g.Go(func() error {
			return s.Blobs.Put(gctx, docs[i].RawKey, files[i].Data)
		})
	}
	if err := g.Wait(); err != nil {
		s.deleteRaw(ctx, docs)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	b, err := s.Store.CreateBatch(ctx, tenantID, docs)
	if err != nil {
		s.deleteRaw(ctx, docs)
		return nil, err
	}
	s.eventBatch(ctx, b)
	s.logger.Info("pipeline: batch created", "batch_id", b.ID, "tenant", tenantID, "documents", len(docs))
	for _, d := range docs {
		s.prepareAsync(d.ID)
	}
	return b, nil
}

func (s *Service) deleteRaw(ctx context.Context, docs []*records.Document) {
	for _, d := range docs {
		s.deleteBlob(ctx, d.RawKey)
	}
}

func (s *Service) deleteBlob(ctx context.Context, key string) {
	if err := s.Blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("pipeline: delete blob", "key", key, "error", err)
	}
}

func (s *Service) prepareAsync(docID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.prepare(context.Background(), docID)
	}()
}

// GetDocument returns a document of the tenant.
func (s *Service) GetDocument(ctx context.Context, tenantID, id string) (*records.Document, error) {
	d, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, fmt.Errorf("%w: document %s", records.ErrNotFound, id)
	}
	return d, nil
}

// GetBatch returns a batch snapshot of the tenant with progress counts.
func (s *Service) GetBatch(ctx context.Context, tenantID, id string) (*records.Batch, error) {
	b, err := s.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.TenantID != tenantID {
		return nil, fmt.Errorf("%w: batch %s", records.ErrNotFound, id)
	}
	return b, nil
}

// Cancel cancels a document of the tenant.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*records.Document, error) {
	if _, err := s.GetDocument(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.Scheduler.Cancel(ctx, id)
}

// Usage returns the tenant's usage for the current cycle.
func (s *Service) Usage(ctx context.Context, tenantID string) (*quota.Usage, error) {
	if err := s.checkTenant(tenantID); err != nil {
		return nil, err
	}
	return s.Ledger.Usage(ctx, tenantID, quota.CycleOf(s.now()))
}

// ExportBatch renders a batch of the tenant as XLSX.
func (s *Service) ExportBatch(ctx context.Context, tenantID, id string) ([]byte, error) {
	b, err := s.GetBatch(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	docs, err := s.Store.BatchDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	return report.BatchXLSX(b, docs)
}

// Recover resumes documents left in uploaded or extracting by a crash, then
// repairs the scheduler's state. Call it once at startup, before the
// scheduler runs.
func (s *Service) Recover(ctx context.Context) error {
	docs, err := s.Store.ListByStatus(ctx, records.StatusUploaded, records.StatusExtracting)
	if err != nil {
		return fmt.Errorf("pipeline: recover: %w", err)
	}
	for _, d := range docs {
		s.prepareAsync(d.ID)
	}
	s.Wait()
	if _, err := s.Scheduler.Recover(ctx); err != nil {
		return err
	}
	if len(docs) > 0 {
		s.logger.Info("pipeline: resumed intake", "documents", len(docs))
	}
	return nil
}

func (s *Service) event(ctx context.Context, typ string, d *records.Document, ok bool, kind string) {
	if s.Events == nil {
		return
	}
	details := ""
	if kind != "" {
		details = fmt.Sprintf(`{"error_kind":%q}`, kind)
	}
	s.Events.LogEvent(ctx, observability.BusinessEvent{
		Type:       typ,
		TenantID:   d.TenantID,
		DocumentID: d.ID,
		BatchID:    d.BatchID,
		Details:    details,
		Success:    ok,
	})
}

func (s *Service) eventBatch(ctx context.Context, b *records.Batch) {
	if s.Events == nil {
		return
	}
	s.Events.LogEvent(ctx, observability.BusinessEvent{
		Type:     observability.EventBatchCreated,
		TenantID: b.TenantID,
		BatchID:  b.ID,
		Details:  fmt.Sprintf(`{"documents":%d}`, len(b.DocumentIDs)),
		Success:  true,
	})
}
