package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one recorded sample
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Summary aggregates every sample recorded under one name
type Summary struct {
	Name  string     `json:"name"`
	Type  MetricType `json:"type"`
	Count int64      `json:"count"`
	Sum   float64    `json:"sum"`
}

// Collector keeps a bounded window of samples plus running totals per name.
type Collector struct {
	mu      sync.RWMutex
	enabled bool
	window  int
	samples []Metric
	totals  map[string]*Summary
}

// NewCollector creates a collector; window bounds how many raw samples are kept.
func NewCollector(enabled bool, window int) *Collector {
	if window <= 0 {
		window = 1000
	}
	return &Collector{
		enabled: enabled,
		window:  window,
		totals:  map[string]*Summary{},
	}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(duration.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(metric Metric) {
	if !c.enabled {
		return
	}
	metric.Timestamp = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, metric)
	if len(c.samples) > c.window {
		c.samples = c.samples[len(c.samples)-c.window:]
	}
	s, ok := c.totals[metric.Name]
	if !ok {
		s = &Summary{Name: metric.Name, Type: metric.Type}
		c.totals[metric.Name] = s
	}
	s.Count++
	s.Sum += metric.Value
}

// GetMetrics returns a copy of the retained samples
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.samples))
	copy(result, c.samples)
	return result
}

// Summaries returns the running totals sorted by name
func (c *Collector) Summaries() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Summary, 0, len(c.totals))
	for _, s := range c.totals {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Total returns the summed value recorded under name
func (c *Collector) Total(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.totals[name]; ok {
		return s.Sum
	}
	return 0
}

// Flush logs the totals and drops the retained samples
func (c *Collector) Flush() {
	for _, s := range c.Summaries() {
		log.Debug().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Int64("count", s.Count).
			Float64("sum", s.Sum).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.samples = c.samples[:0]
	c.mu.Unlock()
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled, 0)
}

// GetGlobal returns the global collector, enabled by default
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(true, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown flushes the global collector
func Shutdown() {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		c.Flush()
	}
}
