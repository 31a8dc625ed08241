package pool

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second
)

// Target is one address to probe, identified by pool name.
type Target struct {
	Name string
	Addr string
}

// PingMonitor periodically measures TCP connect latency against every
// configured pool. Probes run concurrently across pools; within a pool
// a new probe is skipped while the previous one is still in flight.
type PingMonitor struct {
	registry *Registry
	targets  []Target
	logger   *slog.Logger

	inFlight map[string]bool
	flightMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPingMonitor creates a monitor for the given targets.
func NewPingMonitor(registry *Registry, targets []Target, logger *slog.Logger) *PingMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PingMonitor{
		registry: registry,
		targets:  targets,
		logger:   logger.With("component", "ping"),
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the probe loop.
func (p *PingMonitor) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop terminates the probe loop and waits for in-flight probes.
func (p *PingMonitor) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *PingMonitor) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, target := range p.targets {
				if !p.claim(target.Name) {
					continue
				}
				p.wg.Add(1)
				go func(t Target) {
					defer p.wg.Done()
					defer p.release(t.Name)
					p.probe(t)
				}(target)
			}
		}
	}
}

func (p *PingMonitor) claim(name string) bool {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	if p.inFlight[name] {
		return false
	}
	p.inFlight[name] = true
	return true
}

func (p *PingMonitor) release(name string) {
	p.flightMu.Lock()
	delete(p.inFlight, name)
	p.flightMu.Unlock()
}

// probe measures one TCP handshake. Failures are dropped silently; a
// dead pool simply stops producing samples.
func (p *PingMonitor) probe(t Target) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", t.Addr, pingTimeout)
	if err != nil {
		p.logger.Debug("ping probe failed", "pool", t.Name, "error", err)
		return
	}
	conn.Close()

	ms := float64(time.Since(start)) / float64(time.Millisecond)
	p.registry.GetOrCreate(t.Name).AddPingSample(ms)
}
