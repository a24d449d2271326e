package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sendient/ai-detector-sub001/idgen"
)

// Business event types.
const (
	EventDocumentUploaded  = "document.uploaded"
	EventDocumentQueued    = "document.queued"
	EventDocumentCompleted = "document.completed"
	EventDocumentFailed    = "document.failed"
	EventDocumentCancelled = "document.cancelled"
	EventBatchCreated      = "batch.created"
)

// BusinessEvent is a domain-level event.
type BusinessEvent struct {
	ID         string
	Type       string
	TenantID   string
	DocumentID string
	BatchID    string
	Details    string // optional JSON
	Success    bool
	CreatedAt  time.Time
}

// EventLogger writes business events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator overrides the event id generator.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used for write failures.
func WithEventLogger(log *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = log }
}

// NewEventLogger returns a logger on the observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. Failures are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_events (event_id, event_type, tenant_id, document_id, batch_id, details, success, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.TenantID, ev.DocumentID, ev.BatchID, ev.Details, ev.Success, l.now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.Type)
	}
}

// Events returns the events recorded for a document, oldest first.
func (l *EventLogger) Events(ctx context.Context, documentID string) ([]BusinessEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, tenant_id, document_id, batch_id, COALESCE(details, ''), success, created_at
		FROM business_events WHERE document_id = ? ORDER BY created_at, rowid`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.TenantID, &ev.DocumentID, &ev.BatchID, &ev.Details, &ev.Success, &at); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM business_events WHERE created_at < ?`,
		l.now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}
