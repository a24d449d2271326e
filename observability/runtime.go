package observability

import (
	"context"
	"runtime"
	"time"
)

// Gauge reports a current value, e.g. the queue depth.
type Gauge func(ctx context.Context) (float64, error)

// Sampler periodically records process health and registered gauges.
type Sampler struct {
	mm       *MetricsManager
	interval time.Duration
	gauges   map[string]Gauge
}

// NewSampler samples every interval (default 15s).
func NewSampler(mm *MetricsManager, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{mm: mm, interval: interval, gauges: make(map[string]Gauge)}
}

// Gauge registers g under name. Call before Run.
func (s *Sampler) Gauge(name string, g Gauge) { s.gauges[name] = g }

// Sample records one round.
func (s *Sampler) Sample(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.mm.Observe(MetricGoroutines, float64(runtime.NumGoroutine()), "count", nil)
	s.mm.Observe(MetricMemoryAllocMB, float64(mem.Alloc)/1024/1024, "mb", nil)
	for name, g := range s.gauges {
		v, err := g(ctx)
		if err != nil {
			s.mm.cfg.Logger.Warn("observability: gauge", "gauge", name, "error", err)
			continue
		}
		s.mm.Observe(name, v, "count", nil)
	}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample(ctx)
		}
	}
}
