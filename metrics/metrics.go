// Package metrics exposes tunnel state as Prometheus metrics. The
// state already lives in the miner and pool registries, so a custom
// collector reads it at scrape time instead of pushing gauges around.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
	"github.com/mytai/stratum-tunnel/sysmon"
)

const namespace = "mining_tunnel"

// Collector implements prometheus.Collector over the live registries.
type Collector struct {
	miners    *miner.Registry
	pools     *pool.Registry
	monitor   *sysmon.Monitor
	startedAt time.Time

	uptime       *prometheus.Desc
	activeMiners *prometheus.Desc
	cpuUsage     *prometheus.Desc
	cpuCores     *prometheus.Desc
	ramBytes     *prometheus.Desc
	poolPing     *prometheus.Desc
	poolShares   *prometheus.Desc
	hashrate     *prometheus.Desc

	registry *prometheus.Registry
}

// New creates the collector and registers it on a private registry.
func New(miners *miner.Registry, pools *pool.Registry, monitor *sysmon.Monitor) *Collector {
	c := &Collector{
		miners:    miners,
		pools:     pools,
		monitor:   monitor,
		startedAt: time.Now(),
		uptime: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the tunnel started",
			nil, nil),
		activeMiners: prometheus.NewDesc(
			namespace+"_active_miners",
			"Currently connected miner sessions",
			nil, nil),
		cpuUsage: prometheus.NewDesc(
			namespace+"_cpu_usage_percent",
			"Host CPU usage percent",
			nil, nil),
		cpuCores: prometheus.NewDesc(
			namespace+"_cpu_cores",
			"Host logical CPU count",
			nil, nil),
		ramBytes: prometheus.NewDesc(
			namespace+"_ram_bytes",
			"Host RAM in bytes",
			[]string{"type"}, nil),
		poolPing: prometheus.NewDesc(
			namespace+"_pool_ping_ms",
			"Upstream pool connect latency in milliseconds",
			[]string{"pool", "type"}, nil),
		poolShares: prometheus.NewDesc(
			namespace+"_pool_shares_total",
			"Shares relayed through a pool by outcome",
			[]string{"pool", "status"}, nil),
		hashrate: prometheus.NewDesc(
			namespace+"_miner_hashrate",
			"Per-miner hashrate in H/s",
			[]string{"wallet", "miner", "type"}, nil),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(c)
	return c
}

// Handler returns the scrape endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.activeMiners
	ch <- c.cpuUsage
	ch <- c.cpuCores
	ch <- c.ramBytes
	ch <- c.poolPing
	ch <- c.poolShares
	ch <- c.hashrate
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.CounterValue,
		time.Since(c.startedAt).Seconds())
	ch <- prometheus.MustNewConstMetric(c.activeMiners, prometheus.GaugeValue,
		float64(c.miners.Count()))

	if c.monitor != nil {
		snap := c.monitor.Current()
		ch <- prometheus.MustNewConstMetric(c.cpuUsage, prometheus.GaugeValue, snap.CPUUsagePct)
		ch <- prometheus.MustNewConstMetric(c.cpuCores, prometheus.GaugeValue, float64(snap.CPUCores))
		ch <- prometheus.MustNewConstMetric(c.ramBytes, prometheus.GaugeValue, float64(snap.RAMTotal), "total")
		ch <- prometheus.MustNewConstMetric(c.ramBytes, prometheus.GaugeValue, float64(snap.RAMUsed), "used")
	}

	for _, p := range c.pools.All() {
		st := p.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.poolPing, prometheus.GaugeValue,
			st.CurrentPingMs, st.Name, "current")
		ch <- prometheus.MustNewConstMetric(c.poolPing, prometheus.GaugeValue,
			st.AveragePingMs, st.Name, "average")
		ch <- prometheus.MustNewConstMetric(c.poolShares, prometheus.CounterValue,
			float64(st.SharesAccepted), st.Name, "accepted")
		ch <- prometheus.MustNewConstMetric(c.poolShares, prometheus.CounterValue,
			float64(st.SharesRejected), st.Name, "rejected")
	}

	for _, s := range c.miners.All() {
		st := s.Snapshot()
		if st.Wallet == "" {
			// Not authorized yet; no stable identity to label with.
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.hashrate, prometheus.GaugeValue,
			st.CurrentHashrate, st.Wallet, st.Name, "current")
		ch <- prometheus.MustNewConstMetric(c.hashrate, prometheus.GaugeValue,
			st.AverageHashrate, st.Wallet, st.Name, "average")
	}
}
