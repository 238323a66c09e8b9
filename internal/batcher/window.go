package batcher

import "time"

// batchMetric is one completed batch observation.
type batchMetric struct {
	size        int
	duration    time.Duration
	memoryDelta int64
	throughput  float64
	efficiency  float64
}

// metricsWindow is a bounded ring buffer of trailing batch observations
// feeding the next retune.
type metricsWindow struct {
	entries []batchMetric
	next    int
	filled  bool
}

func newMetricsWindow(capacity int) *metricsWindow {
	if capacity <= 0 {
		capacity = 20
	}
	return &metricsWindow{entries: make([]batchMetric, capacity)}
}

func (w *metricsWindow) record(m batchMetric) {
	w.entries[w.next] = m
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.filled = true
	}
}

func (w *metricsWindow) len() int {
	if w.filled {
		return len(w.entries)
	}
	return w.next
}

// averages returns mean throughput and efficiency over the window.
func (w *metricsWindow) averages() (throughput, efficiency float64) {
	n := w.len()
	if n == 0 {
		return 0, 0
	}
	for i := 0; i < n; i++ {
		throughput += w.entries[i].throughput
		efficiency += w.entries[i].efficiency
	}
	return throughput / float64(n), efficiency / float64(n)
}
