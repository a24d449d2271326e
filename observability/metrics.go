// Package observability records assessment metrics and business events in a
// SQLite database of their own.
//
// Metrics are buffered and flushed in batches; a failing flush is logged and
// dropped rather than pushed back onto the caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names written by the pipeline.
const (
	MetricAssessmentDurationMs = "assessment_duration_ms"
	MetricAssessmentRetries    = "assessment_retries"
	MetricExtractionDurationMs = "extraction_duration_ms"
	MetricQueueDepth           = "queue_depth"
	MetricGoroutines           = "goroutines_count"
	MetricMemoryAllocMB        = "memory_alloc_mb"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "ms", "count", "mb"
}

// MetricsConfig configures a MetricsManager.
type MetricsConfig struct {
	BufferSize    int           // flush when this many points are pending. Default: 100.
	FlushInterval time.Duration // Default: 5s.
	Logger        *slog.Logger
}

func (c *MetricsConfig) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db     *sql.DB
	cfg    MetricsConfig
	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMetricsManager starts the flush loop. Close stops it.
func NewMetricsManager(db *sql.DB, cfg MetricsConfig) *MetricsManager {
	cfg.defaults()
	mm := &MetricsManager{
		db:     db,
		cfg:    cfg,
		buffer: make([]*Metric, 0, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues m. Non-blocking apart from a full-buffer flush.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.cfg.BufferSize {
		mm.flushLocked()
	}
}

// Observe records a labelled value now.
func (mm *MetricsManager) Observe(name string, value float64, unit string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit, Labels: labels})
}

// Flush writes pending points immediately.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns points named name (all names when empty) newest first.
// Nil bounds are open.
func (mm *MetricsManager) Query(ctx context.Context, name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes points older than retention and returns how many went.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is pending and stops the loop.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	log := mm.cfg.Logger
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("observability: begin metrics flush", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		log.Error("observability: prepare metrics flush", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			log.Error("observability: insert metric", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Error("observability: commit metrics flush", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
