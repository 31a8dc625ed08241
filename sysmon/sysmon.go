// Package sysmon samples host-level metrics for the status API: CPU,
// RAM, disk, OS identity, public IP, and process uptime.
package sysmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const refreshInterval = 5 * time.Second

// Snapshot is one consistent read of the host metrics.
type Snapshot struct {
	CPUModel     string
	CPUCores     int
	CPUUsagePct  float64
	RAMTotal     uint64
	RAMUsed      uint64
	DiskTotal    uint64
	DiskUsed     uint64
	OS           string
	PublicIP     string
	Uptime       time.Duration
	ActiveMiners int
}

// Monitor refreshes host metrics on a fixed interval.
type Monitor struct {
	logger      *slog.Logger
	activeCount func() int
	startedAt   time.Time

	mu   sync.RWMutex
	snap Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. activeCount supplies the live session count
// folded into each snapshot.
func New(logger *slog.Logger, activeCount func() int) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if activeCount == nil {
		activeCount = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		logger:      logger.With("component", "sysmon"),
		activeCount: activeCount,
		startedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.collectStatic()
	return m
}

// Start begins the refresh loop.
func (m *Monitor) Start() {
	m.refresh()
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the refresh loop.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	snap.Uptime = time.Since(m.startedAt)
	snap.ActiveMiners = m.activeCount()
	return snap
}

// collectStatic fills in the fields that do not change while the
// process runs: CPU identity, OS name, and the public IP.
func (m *Monitor) collectStatic() {
	m.snap.CPUModel = "Unknown"
	m.snap.OS = "Unknown"
	m.snap.PublicIP = "Unknown"

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		m.snap.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.Counts(true); err == nil {
		m.snap.CPUCores = n
	}
	if info, err := host.Info(); err == nil {
		m.snap.OS = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if ip := fetchPublicIP(); ip != "" {
		m.snap.PublicIP = ip
	}
}

func fetchPublicIP() string {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://api.ipify.org?format=text")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Monitor) refresh() {
	var cpuPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	var ramTotal, ramUsed uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		ramTotal, ramUsed = vm.Total, vm.Used
	}

	var diskTotal, diskUsed uint64
	if du, err := disk.Usage("/"); err == nil {
		diskTotal, diskUsed = du.Total, du.Used
	}

	m.mu.Lock()
	m.snap.CPUUsagePct = cpuPct
	if ramTotal > 0 {
		m.snap.RAMTotal = ramTotal
		m.snap.RAMUsed = ramUsed
	}
	if diskTotal > 0 {
		m.snap.DiskTotal = diskTotal
		m.snap.DiskUsed = diskUsed
	}
	m.mu.Unlock()
}
