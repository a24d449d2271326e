// Package records is the durable record of documents and batches. Every
// status change goes through Transition, which checks the edge against the
// lifecycle graph and recomputes the owning batch's aggregate status in the
// same transaction.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/idgen"
)

// Schema is the record store DDL, applied with dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    batch_id          TEXT REFERENCES batches(id),
    position          INTEGER NOT NULL DEFAULT 0,
    filename          TEXT NOT NULL,
    media_type        TEXT NOT NULL,
    size_bytes        INTEGER NOT NULL,
    status            TEXT NOT NULL,
    word_count        INTEGER,
    char_count        INTEGER,
    raw_key           TEXT NOT NULL DEFAULT '',
    text_key          TEXT NOT NULL DEFAULT '',
    result_key        TEXT NOT NULL DEFAULT '',
    score             REAL,
    confidence        REAL,
    reservation_id    TEXT NOT NULL DEFAULT '',
    priority          INTEGER NOT NULL DEFAULT 0,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    cancel_requested  INTEGER NOT NULL DEFAULT 0,
    error_kind        TEXT NOT NULL DEFAULT '',
    error_detail      TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    status_changed_at INTEGER NOT NULL,
    completed_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_documents_batch  ON documents (batch_id, position);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents (tenant_id, created_at);
`

// Metrics are the extraction counts quota accounting is based on.
type Metrics struct {
	Words int64 `json:"word_count"`
	Chars int64 `json:"char_count"`
}

// Result references a stored assessment.
type Result struct {
	Key        string  `json:"key"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Document is a snapshot of one uploaded document.
type Document struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	BatchID         string     `json:"batch_id,omitempty"`
	Position        int        `json:"position"`
	Filename        string     `json:"filename"`
	MediaType       string     `json:"media_type"`
	SizeBytes       int64      `json:"size_bytes"`
	Status          Status     `json:"status"`
	Metrics         *Metrics   `json:"metrics,omitempty"`
	RawKey          string     `json:"-"`
	TextKey         string     `json:"-"`
	Result          *Result    `json:"result,omitempty"`
	ReservationID   string     `json:"reservation_id,omitempty"`
	Priority        int        `json:"priority"`
	RetryCount      int        `json:"retry_count"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Batch is a snapshot of a batch with its members in upload order.
type Batch struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Status      BatchStatus    `json:"status"`
	DocumentIDs []string       `json:"document_ids"`
	Progress    map[Status]int `json:"progress"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Patch carries the fields written together with a transition. Nil and
// empty fields are left untouched.
type Patch struct {
	TextKey       string
	ReservationID string
	Priority      *int
	RetryCount    *int
	Result        *Result
	ErrorKind     string
	ErrorDetail   string
}

// Store owns the documents and batches tables.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	docID   idgen.Generator
	batchID idgen.Generator
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerators overrides document and batch ID generation.
func WithIDGenerators(doc, batch idgen.Generator) Option {
	return func(s *Store) { s.docID, s.batchID = doc, batch }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New returns a store over db, which must carry Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		now:     time.Now,
		docID:   idgen.Prefixed("doc_", idgen.Default),
		batchID: idgen.Prefixed("bat_", idgen.Default),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// NewDocumentID allocates a document ID ahead of CreateDocument, so the raw
// blob can be stored under its final key first.
func (s *Store) NewDocumentID() string { return s.docID() }

// CreateDocument inserts d as uploaded. An empty d.ID is allocated. When
// d.BatchID is set the document is appended to that batch, which must belong
// to the same tenant.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if d.BatchID != "" {
			var tenant string
			err := tx.QueryRowContext(ctx, `SELECT tenant_id FROM batches WHERE id = ?`, d.BatchID).Scan(&tenant)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && tenant != d.TenantID) {
				return fmt.Errorf("%w: batch %s", ErrNotFound, d.BatchID)
			}
			if err != nil {
				return fmt.Errorf("records: read batch: %w", err)
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(position) + 1, 0) FROM documents WHERE batch_id = ?`,
				d.BatchID).Scan(&d.Position); err != nil {
				return fmt.Errorf("records: next position: %w", err)
			}
		}
		if err := s.insertDocument(ctx, tx, d); err != nil {
			return err
		}
		if d.BatchID != "" {
			return s.recomputeBatch(ctx, tx, d.BatchID)
		}
		return nil
	})
}

// CreateBatch inserts a batch and all of its documents in one transaction.
// Document IDs are allocated when empty; order of docs is the batch order.
func (s *Store) CreateBatch(ctx context.Context, tenantID string, docs []*Document) (*Batch, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyBatch
	}
	now := s.now()
	b := &Batch{
		ID:        s.batchID(),
		TenantID:  tenantID,
		Status:    BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
		Progress:  map[Status]int{StatusUploaded: len(docs)},
	}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (id, tenant_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			b.ID, tenantID, string(BatchPending), now.UnixMilli(), now.UnixMilli()); err != nil {
			return fmt.Errorf("records: insert batch: %w", err)
		}
		for i, d := range docs {
			d.TenantID = tenantID
			d.BatchID = b.ID
			d.Position = i
			if err := s.insertDocument(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		b.DocumentIDs = append(b.DocumentIDs, d.ID)
	}
	return b, nil
}

func (s *Store) insertDocument(ctx context.Context, tx *sql.Tx, d *Document) error {
	if d.ID == "" {
		d.ID = s.docID()
	}
	now := s.now()
	d.Status = StatusUploaded
	d.CreatedAt = now
	d.StatusChangedAt = now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, batch_id, position, filename, media_type, size_bytes,
		                       status, raw_key, created_at, status_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, nullString(d.BatchID), d.Position, d.Filename, d.MediaType, d.SizeBytes,
		string(StatusUploaded), d.RawKey, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("records: insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, tenant_id, batch_id, position, filename, media_type, size_bytes, status,
	word_count, char_count, raw_key, text_key, result_key, score, confidence, reservation_id,
	priority, retry_count, cancel_requested, error_kind, error_detail,
	created_at, status_changed_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var batchID sql.NullString
	var status string
	var words, chars, completed sql.NullInt64
	var score, confidence sql.NullFloat64
	var resultKey string
	var cancel int
	var created, changed int64
	err := row.Scan(&d.ID, &d.TenantID, &batchID, &d.Position, &d.Filename, &d.MediaType, &d.SizeBytes,
		&status, &words, &chars, &d.RawKey, &d.TextKey, &resultKey, &score, &confidence,
		&d.ReservationID, &d.Priority, &d.RetryCount, &cancel, &d.ErrorKind, &d.ErrorDetail,
		&created, &changed, &completed)
	if err != nil {
		return nil, err
	}
	d.BatchID = batchID.String
	d.Status = Status(status)
	if words.Valid && chars.Valid {
		d.Metrics = &Metrics{Words: words.Int64, Chars: chars.Int64}
	}
	if resultKey != "" {
		d.Result = &Result{Key: resultKey, Score: score.Float64, Confidence: confidence.Float64}
	}
	d.CancelRequested = cancel != 0
	d.CreatedAt = time.UnixMilli(created)
	d.StatusChangedAt = time.UnixMilli(changed)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		d.CompletedAt = &t
	}
	return &d, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q querier, id string) (*Document, error) {
	d, err := scanDocument(q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("records: get document %s: %w", id, err)
	}
	return d, nil
}

// Get returns a document snapshot.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	return getDocument(ctx, s.db, id)
}

// ListByStatus returns documents in any of the given statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("records: list by status: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetMetrics records extraction counts. Metrics are written once; a repeat
// call with the same values is accepted, different values are rejected with
// ErrMetricsImmutable.
func (s *Store) SetMetrics(ctx context.Context, id string, m Metrics) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		d, err := getDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Metrics != nil {
			if *d.Metrics == m {
				return nil
			}
			return fmt.Errorf("%w: document %s has %d words / %d chars",
				ErrMetricsImmutable, id, d.Metrics.Words, d.Metrics.Chars)
		}
		if d.Status.Terminal() {
			return fmt.Errorf("%w: document %s is %s", ErrInvalidTransition, id, d.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET word_count = ?, char_count = ? WHERE id = ? AND word_count IS NULL`,
			m.Words, m.Chars, id)
		if err != nil {
			return fmt.Errorf("records: set metrics: %w", err)
		}
		return nil
	})
}

// RequestCancel flags an assessing document so the worker holding it
// cancels it when its call returns. It reports whether the flag was set.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE documents SET cancel_requested = 1 WHERE id = ? AND status = ?`,
		id, string(StatusAssessing))
	if err != nil {
		return false, fmt.Errorf("records: request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Transition moves a document to status to and applies p. The edge is
// checked against the document's current status inside the transaction,
// and the owning batch's aggregate is recomputed before commit. A document
// entering failed must carry an error kind; one entering completed must
// carry a result; one entering queued must have metrics. While a cancel is
// pending on an assessing document the only edge allowed is to cancelled;
// any other returns ErrCancelRequested.
func (s *Store) Transition(ctx context.Context, id string, to Status, p Patch) (*Document, error) {
	var out *Document
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		d, err := getDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(d.Status, to) {
			return &TransitionError{ID: id, From: d.Status, To: to}
		}
		guardCancel := d.Status == StatusAssessing && to != StatusCancelled
		if guardCancel && d.CancelRequested {
			return fmt.Errorf("%w: document %s", ErrCancelRequested, id)
		}
		switch to {
		case StatusFailed:
			if p.ErrorKind == "" {
				return fmt.Errorf("records: failing %s without an error kind", id)
			}
		case StatusCompleted:
			if p.Result == nil {
				return fmt.Errorf("records: completing %s without a result", id)
			}
		case StatusQueued:
			if d.Metrics == nil {
				return fmt.Errorf("records: queueing %s before metrics are set", id)
			}
		}

		now := s.now().UnixMilli()
		sets := []string{"status = ?", "status_changed_at = ?"}
		args := []any{string(to), now}
		add := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if p.TextKey != "" {
			add("text_key", p.TextKey)
		}
		if p.ReservationID != "" {
			add("reservation_id", p.ReservationID)
		}
		if p.Priority != nil {
			add("priority", *p.Priority)
		}
		if p.RetryCount != nil {
			add("retry_count", *p.RetryCount)
		}
		if p.Result != nil {
			add("result_key", p.Result.Key)
			add("score", p.Result.Score)
			add("confidence", p.Result.Confidence)
		}
		if to == StatusFailed {
			add("error_kind", p.ErrorKind)
			add("error_detail", p.ErrorDetail)
		}
		if to == StatusCompleted {
			add("completed_at", now)
		}
		if to.Terminal() || to == StatusQueued {
			add("cancel_requested", 0)
		}
		args = append(args, id, string(d.Status))
		where := ` WHERE id = ? AND status = ?`
		if guardCancel {
			where += ` AND cancel_requested = 0`
		}

		res, err := tx.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+where, args...)
		if err != nil {
			return fmt.Errorf("records: transition %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			if cur, err := getDocument(ctx, tx, id); err == nil && guardCancel && cur.CancelRequested {
				return fmt.Errorf("%w: document %s", ErrCancelRequested, id)
			}
			return &TransitionError{ID: id, From: d.Status, To: to}
		}
		if d.BatchID != "" {
			if err := s.recomputeBatch(ctx, tx, d.BatchID); err != nil {
				return err
			}
		}
		out, err = getDocument(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("records: transition", "id", id, "status", to)
	return out, nil
}

func (s *Store) recomputeBatch(ctx context.Context, tx *sql.Tx, batchID string) error {
	statuses, err := memberStatuses(ctx, tx, batchID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		string(AggregateStatus(statuses)), s.now().UnixMilli(), batchID)
	if err != nil {
		return fmt.Errorf("records: update batch %s: %w", batchID, err)
	}
	return nil
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func memberStatuses(ctx context.Context, q rowsQuerier, batchID string) ([]Status, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status FROM documents WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("records: batch members: %w", err)
	}
	defer rows.Close()
	var out []Status
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, Status(st))
	}
	return out, rows.Err()
}

// GetBatch returns a batch snapshot: the stored aggregate status, member IDs
// in upload order and a count of members per status.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	var status string
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, status, created_at, updated_at FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.TenantID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("records: get batch %s: %w", id, err)
	}
	b.Status = BatchStatus(status)
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	b.Progress = make(map[Status]int)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM documents WHERE batch_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("records: batch members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var docID, st string
		if err := rows.Scan(&docID, &st); err != nil {
			return nil, err
		}
		b.DocumentIDs = append(b.DocumentIDs, docID)
		b.Progress[Status(st)]++
	}
	return &b, rows.Err()
}

// BatchDocuments returns the members of a batch in upload order.
func (s *Store) BatchDocuments(ctx context.Context, batchID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("records: batch documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("records: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecomputedStatus derives a batch's status from its members' current
// statuses, independently of the stored aggregate.
func (s *Store) RecomputedStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	statuses, err := memberStatuses(ctx, s.db, batchID)
	if err != nil {
		return "", err
	}
	return AggregateStatus(statuses), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
