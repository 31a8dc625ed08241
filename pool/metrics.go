// Package pool tracks per-pool aggregate metrics: connect latency,
// accept latency, and share totals across every session routed through
// the pool.
package pool

import (
	"sync"
	"time"
)

// windowSize caps the ping and accept-time sample windows.
const windowSize = 100

// window is a FIFO sample buffer with a running sum, so the mean is one
// division away instead of a rescan on every read.
type window struct {
	samples []float64
	sum     float64
}

func (w *window) push(v float64) {
	w.samples = append(w.samples, v)
	w.sum += v
	if len(w.samples) > windowSize {
		w.sum -= w.samples[0]
		w.samples = w.samples[1:]
	}
}

func (w *window) mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / float64(len(w.samples))
}

// Metrics holds the aggregate state for one upstream pool.
type Metrics struct {
	Name string

	mu          sync.RWMutex
	currentPing float64
	pings       window
	acceptTimes window
	accepted    int64
	rejected    int64
	lastPing    time.Time
}

// AddPingSample records one successful connect probe, in milliseconds.
func (m *Metrics) AddPingSample(ms float64) {
	m.mu.Lock()
	m.currentPing = ms
	m.pings.push(ms)
	m.lastPing = time.Now()
	m.mu.Unlock()
}

// AddAcceptTime records the submit-to-accept latency of one share, in
// milliseconds.
func (m *Metrics) AddAcceptTime(ms float64) {
	m.mu.Lock()
	m.acceptTimes.push(ms)
	m.mu.Unlock()
}

// AddShare bumps the pool-wide share totals.
func (m *Metrics) AddShare(accepted bool) {
	m.mu.Lock()
	if accepted {
		m.accepted++
	} else {
		m.rejected++
	}
	m.mu.Unlock()
}

// Stats is a read-consistent copy of the pool metrics.
type Stats struct {
	Name           string
	CurrentPingMs  float64
	AveragePingMs  float64
	PingSamples    int
	AvgAcceptMs    float64
	AcceptSamples  int
	SharesAccepted int64
	SharesRejected int64
	LastPingAt     time.Time
}

// Snapshot returns the metrics in one read.
func (m *Metrics) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Name:           m.Name,
		CurrentPingMs:  m.currentPing,
		AveragePingMs:  m.pings.mean(),
		PingSamples:    len(m.pings.samples),
		AvgAcceptMs:    m.acceptTimes.mean(),
		AcceptSamples:  len(m.acceptTimes.samples),
		SharesAccepted: m.accepted,
		SharesRejected: m.rejected,
		LastPingAt:     m.lastPing,
	}
}

// Registry maps pool names to their metrics, creating entries on first
// touch. Entries live for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Metrics)}
}

// GetOrCreate returns the metrics for name, inserting atomically when
// the pool has not been seen before.
func (r *Registry) GetOrCreate(name string) *Metrics {
	r.mu.RLock()
	m, ok := r.pools[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.pools[name]; ok {
		return m
	}
	m = &Metrics{Name: name}
	r.pools[name] = m
	return m
}

// All returns every known pool's metrics.
func (r *Registry) All() []*Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metrics, 0, len(r.pools))
	for _, m := range r.pools {
		out = append(out, m)
	}
	return out
}
