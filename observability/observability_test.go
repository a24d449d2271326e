package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/idgen"
)

func openDB(t *testing.T) *MetricsManager {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, MetricsConfig{BufferSize: 1000, FlushInterval: time.Hour})
	t.Cleanup(func() { mm.Close() })
	return mm
}

func TestMetricsFlushAndQuery(t *testing.T) {
	mm := openDB(t)
	ctx := context.Background()
	mm.Observe(MetricAssessmentDurationMs, 120, "ms", map[string]string{"outcome": "completed"})
	mm.Observe(MetricAssessmentRetries, 2, "count", nil)

	got, err := mm.Query(ctx, MetricAssessmentDurationMs, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("points visible before flush: %d", len(got))
	}

	mm.Flush()
	got, err = mm.Query(ctx, MetricAssessmentDurationMs, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 120 || got[0].Labels["outcome"] != "completed" {
		t.Fatalf("got %+v", got)
	}
	all, _ := mm.Query(ctx, "", nil, nil, 0)
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}
}

func TestMetricsFlushOnBufferFull(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, MetricsConfig{BufferSize: 2, FlushInterval: time.Hour})
	defer mm.Close()
	mm.Observe(MetricQueueDepth, 1, "count", nil)
	mm.Observe(MetricQueueDepth, 2, "count", nil)
	got, _ := mm.Query(context.Background(), MetricQueueDepth, nil, nil, 0)
	if len(got) != 2 {
		t.Fatalf("got %d points, want 2", len(got))
	}
}

func TestMetricsCleanup(t *testing.T) {
	mm := openDB(t)
	mm.Record(&Metric{Name: "old", Value: 1, Timestamp: time.Now().Add(-48 * time.Hour)})
	mm.Record(&Metric{Name: "new", Value: 1})
	mm.Flush()
	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
}

func TestCloseFlushes(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, MetricsConfig{FlushInterval: time.Hour})
	mm.Observe("x", 1, "count", nil)
	mm.Close()
	mm.Close()
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d", n)
	}
}

func TestEventLogger(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	l := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()
	l.LogEvent(ctx, BusinessEvent{Type: EventDocumentQueued, TenantID: "t1", DocumentID: "d1", Success: true})
	l.LogEvent(ctx, BusinessEvent{Type: EventDocumentFailed, TenantID: "t1", DocumentID: "d1", Details: `{"kind":"corrupt_input"}`})
	l.LogEvent(ctx, BusinessEvent{Type: EventDocumentCompleted, TenantID: "t1", DocumentID: "d2", Success: true})

	evs, err := l.Events(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Type != EventDocumentQueued || evs[1].Success {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSampler(t *testing.T) {
	mm := openDB(t)
	s := NewSampler(mm, time.Hour)
	s.Gauge(MetricQueueDepth, func(context.Context) (float64, error) { return 7, nil })
	s.Sample(context.Background())
	mm.Flush()
	got, _ := mm.Query(context.Background(), MetricQueueDepth, nil, nil, 0)
	if len(got) != 1 || got[0].Value != 7 {
		t.Fatalf("queue depth = %+v", got)
	}
	g, _ := mm.Query(context.Background(), MetricGoroutines, nil, nil, 0)
	if len(g) != 1 || g[0].Value < 1 {
		t.Fatalf("goroutines = %+v", g)
	}
}
