// Package observability provides a small Prometheus-compatible metrics
// registry and /metrics text exposition, with a metric set scoped to
// the bot-engine domain (requests, queue depth, credit debits, active
// bots).
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing value.
type Counter struct{ value int64 }

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, stored as micros so Set
// can carry fractional values without a mutex.
type Gauge struct{ value int64 }

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks value distributions over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // per-bucket differential counts (+Inf last)
	sum     float64
	count   int64
}

func NewHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{buckets: sorted, counts: make([]int64, len(sorted)+1)}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Metrics is the process-wide Prometheus-compatible registry.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	latencyBuckets []float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:       make(map[string]map[string]*Counter),
		gauges:         make(map[string]map[string]*Gauge),
		histograms:     make(map[string]map[string]*Histogram),
		latencyBuckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}
}

func (m *Metrics) CounterInc(name string, labels map[string]string) { m.getCounter(name, labels).Inc() }

func (m *Metrics) CounterAdd(name string, labels map[string]string, n int64) {
	m.getCounter(name, labels).Add(n)
}

func (m *Metrics) getCounter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.counters[name]; ok {
		if c, ok := byName[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*Counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &Counter{}
	}
	return m.counters[name][key]
}

func (m *Metrics) GaugeSet(name string, labels map[string]string, v float64) {
	m.getGauge(name, labels).Set(v)
}

func (m *Metrics) getGauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.gauges[name]; ok {
		if g, ok := byName[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &Gauge{}
	}
	return m.gauges[name][key]
}

func (m *Metrics) HistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels).Observe(v)
}

func (m *Metrics) getHistogram(name string, labels map[string]string) *Histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.histograms[name]; ok {
		if h, ok := byName[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		m.histograms[name][key] = NewHistogram(m.latencyBuckets)
	}
	return m.histograms[name][key]
}

// TrackIngressRequest records one webhook request's outcome and latency.
func (m *Metrics) TrackIngressRequest(route string, statusCode int, latencyMs float64) {
	labels := map[string]string{"route": route, "status": fmt.Sprintf("%d", statusCode)}
	m.CounterInc("conductor_ingress_requests_total", labels)
	m.HistogramObserve("conductor_ingress_request_duration_ms", labels, latencyMs)
}

// TrackTaskProcessed records one worker task completion.
func (m *Metrics) TrackTaskProcessed(queue, taskName string, ok bool) {
	m.CounterInc("conductor_tasks_processed_total", map[string]string{
		"queue": queue, "task": taskName, "outcome": outcomeLabel(ok),
	})
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// TrackCreditDebit records a settled credit debit in BRL cents.
func (m *Metrics) TrackCreditDebit(category string, amountCents int64) {
	m.CounterAdd("conductor_credit_debits_total", map[string]string{"category": category}, amountCents)
}

// SetActiveBots reports the current count of active bots.
func (m *Metrics) SetActiveBots(n int) {
	m.GaugeSet("conductor_active_bots", nil, float64(n))
}

// SetQueueDepth reports a named queue's ready-list depth.
func (m *Metrics) SetQueueDepth(queueName string, depth int64) {
	m.GaugeSet("conductor_queue_depth", map[string]string{"queue": queueName}, float64(depth))
}

// Handler serves /metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# conductor metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

		m.mu.RLock()
		defer m.mu.RUnlock()

		for name, byLabel := range m.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %d\n", name, c.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, c.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %f\n", name, g.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, g.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.histograms {
			sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
			for lk, h := range byLabel {
				h.mu.Lock()
				prefix := name
				if lk != "" {
					prefix = fmt.Sprintf("%s{%s}", name, lk)
				}
				cumulative := int64(0)
				for i, b := range h.buckets {
					cumulative += h.counts[i]
					if lk != "" {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\",%s} %d\n", name, b, lk, cumulative))
					} else {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", name, b, cumulative))
					}
				}
				cumulative += h.counts[len(h.buckets)]
				if lk != "" {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\",%s} %d\n", name, lk, cumulative))
				} else {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
				}
				sb.WriteString(fmt.Sprintf("%s_sum %f\n", prefix, h.sum))
				sb.WriteString(fmt.Sprintf("%s_count %d\n", prefix, h.count))
				h.mu.Unlock()
			}
			sb.WriteString("\n")
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}
