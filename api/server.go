// Package api serves the read-only HTTP surface: aggregate status,
// per-wallet lookups, the Prometheus scrape endpoint, and the log
// stream. Every handler reads live state; nothing here mutates the
// dataplane.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mytai/stratum-tunnel/cache"
	"github.com/mytai/stratum-tunnel/db"
	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
	"github.com/mytai/stratum-tunnel/sysmon"
)

// MinerStore is the read side of persistence the API needs.
type MinerStore interface {
	GetMinersByWalletPrefix(ctx context.Context, prefix string) ([]db.MinerRecord, error)
	Sizes(ctx context.Context) (minersBytes, sharesBytes int64, err error)
}

// Server is the HTTP API server.
type Server struct {
	logger  *slog.Logger
	miners  *miner.Registry
	pools   *pool.Registry
	monitor *sysmon.Monitor
	store   MinerStore
	cache   *cache.Cache

	server *http.Server
}

// Config wires the server's collaborators. Store, Cache, Prometheus,
// and LogStream are all optional.
type Config struct {
	Port       uint16
	Miners     *miner.Registry
	Pools      *pool.Registry
	Monitor    *sysmon.Monitor
	Store      MinerStore
	Cache      *cache.Cache
	Prometheus http.Handler
	LogStream  http.Handler
	Logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:  logger.With("component", "api"),
		miners:  cfg.Miners,
		pools:   cfg.Pools,
		monitor: cfg.Monitor,
		store:   cfg.Store,
		cache:   cfg.Cache,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/i/{wallet}", s.handleMinerInfo)
	mux.HandleFunc("GET /api/network/stats", s.handleNetworkStats)
	mux.HandleFunc("GET /api/shares/stats", s.handleSharesStats)
	if cfg.Prometheus != nil {
		mux.Handle("GET /metrics", cfg.Prometheus)
	}
	if cfg.LogStream != nil {
		mux.Handle("GET /api/logs/stream", cfg.LogStream)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called. A bind failure is returned.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// corsMiddleware allows the dashboard to be hosted anywhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type systemInfo struct {
	CPUModel        string `json:"cpu_model"`
	CPUCores        int    `json:"cpu_cores"`
	CPUUsagePercent string `json:"cpu_usage_percent"`
	RAMTotalBytes   uint64 `json:"ram_total_bytes"`
	RAMUsedBytes    uint64 `json:"ram_used_bytes"`
	RAMUsagePercent string `json:"ram_usage_percent"`
	DiskTotalBytes  uint64 `json:"disk_total_bytes"`
	DiskUsedBytes   uint64 `json:"disk_used_bytes"`
	DiskUsagePct    string `json:"disk_usage_percent"`
	OS              string `json:"os"`
	PublicIP        string `json:"public_ip"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
}

type databaseInfo struct {
	DataDBSizeBytes   int64   `json:"data_db_size_bytes"`
	DataDBSizeMB      float64 `json:"data_db_size_mb"`
	SystemDBSizeBytes int64   `json:"system_db_size_bytes"`
	SystemDBSizeMB    float64 `json:"system_db_size_mb"`
}

type networkInfo struct {
	TotalDownloadBytes int64   `json:"total_download_bytes"`
	TotalDownloadMB    float64 `json:"total_download_mb"`
	TotalDownloadGB    float64 `json:"total_download_gb"`
	TotalUploadBytes   int64   `json:"total_upload_bytes"`
	TotalUploadMB      float64 `json:"total_upload_mb"`
	TotalUploadGB      float64 `json:"total_upload_gb"`
	PacketsSent        int64   `json:"packets_sent"`
	PacketsReceived    int64   `json:"packets_received"`
}

type minerData struct {
	Wallet          string  `json:"wallet"`
	Name            string  `json:"name"`
	IP              string  `json:"ip"`
	Pool            string  `json:"pool"`
	SharesAccepted  int64   `json:"shares_accepted"`
	SharesRejected  int64   `json:"shares_rejected"`
	CurrentHashrate string  `json:"current_hashrate"`
	AverageHashrate string  `json:"average_hashrate"`
	Difficulty      float64 `json:"difficulty"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
}

type minersInfo struct {
	ActiveCount int         `json:"active_count"`
	List        []minerData `json:"list"`
}

type poolInfo struct {
	CurrentPingMs   float64 `json:"current_ping_ms"`
	AveragePingMs   float64 `json:"average_ping_ms"`
	AvgAcceptTimeMs float64 `json:"avg_accept_time_ms"`
	SharesAccepted  int64   `json:"shares_accepted"`
	SharesRejected  int64   `json:"shares_rejected"`
	LastPingTime    string  `json:"last_ping_time"`
}

type metricsResponse struct {
	System   systemInfo          `json:"system"`
	Database databaseInfo        `json:"database"`
	Network  networkInfo         `json:"network"`
	Miners   minersInfo          `json:"miners"`
	Pools    map[string]poolInfo `json:"pools"`
}

func pct(used, total float64) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", used/total*100)
}

const megabyte = 1024 * 1024

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	sessions := s.miners.All()

	var network networkInfo
	list := make([]minerData, 0, len(sessions))
	for _, sess := range sessions {
		st := sess.Snapshot()
		list = append(list, minerData{
			Wallet:          st.Wallet,
			Name:            st.Name,
			IP:              sess.IP,
			Pool:            sess.PoolName,
			SharesAccepted:  sess.SharesAccepted.Load(),
			SharesRejected:  sess.SharesRejected.Load(),
			CurrentHashrate: miner.FormatHashrate(st.CurrentHashrate),
			AverageHashrate: miner.FormatHashrate(st.AverageHashrate),
			Difficulty:      st.Difficulty,
			UptimeSeconds:   int64(now.Sub(sess.ConnectedAt).Seconds()),
		})
		network.TotalDownloadBytes += sess.BytesDownload.Load()
		network.TotalUploadBytes += sess.BytesUpload.Load()
		network.PacketsSent += sess.PacketsSent.Load()
		network.PacketsReceived += sess.PacketsReceived.Load()
	}
	network.TotalDownloadMB = float64(network.TotalDownloadBytes) / megabyte
	network.TotalDownloadGB = network.TotalDownloadMB / 1024
	network.TotalUploadMB = float64(network.TotalUploadBytes) / megabyte
	network.TotalUploadGB = network.TotalUploadMB / 1024

	poolsData := make(map[string]poolInfo)
	for _, p := range s.pools.All() {
		st := p.Snapshot()
		poolsData[st.Name] = poolInfo{
			CurrentPingMs:   st.CurrentPingMs,
			AveragePingMs:   st.AveragePingMs,
			AvgAcceptTimeMs: st.AvgAcceptMs,
			SharesAccepted:  st.SharesAccepted,
			SharesRejected:  st.SharesRejected,
			LastPingTime:    st.LastPingAt.Format(time.RFC3339),
		}
	}

	var system systemInfo
	if s.monitor != nil {
		snap := s.monitor.Current()
		system = systemInfo{
			CPUModel:        snap.CPUModel,
			CPUCores:        snap.CPUCores,
			CPUUsagePercent: fmt.Sprintf("%.2f%%", snap.CPUUsagePct),
			RAMTotalBytes:   snap.RAMTotal,
			RAMUsedBytes:    snap.RAMUsed,
			RAMUsagePercent: pct(float64(snap.RAMUsed), float64(snap.RAMTotal)),
			DiskTotalBytes:  snap.DiskTotal,
			DiskUsedBytes:   snap.DiskUsed,
			DiskUsagePct:    pct(float64(snap.DiskUsed), float64(snap.DiskTotal)),
			OS:              snap.OS,
			PublicIP:        snap.PublicIP,
			UptimeSeconds:   uint64(snap.Uptime.Seconds()),
		}
	}

	var database databaseInfo
	if s.store != nil {
		if minersBytes, sharesBytes, err := s.store.Sizes(r.Context()); err == nil {
			database = databaseInfo{
				DataDBSizeBytes:   minersBytes,
				DataDBSizeMB:      float64(minersBytes) / megabyte,
				SystemDBSizeBytes: sharesBytes,
				SystemDBSizeMB:    float64(sharesBytes) / megabyte,
			}
		}
	}

	writeJSON(w, http.StatusOK, metricsResponse{
		System:   system,
		Database: database,
		Network:  network,
		Miners:   minersInfo{ActiveCount: len(sessions), List: list},
		Pools:    poolsData,
	})
}

type activeMinerInfo struct {
	Wallet          string  `json:"wallet"`
	MinerName       string  `json:"miner_name"`
	IP              string  `json:"ip"`
	PoolName        string  `json:"pool_name"`
	SharesAccepted  int64   `json:"shares_accepted"`
	SharesRejected  int64   `json:"shares_rejected"`
	BytesDownload   int64   `json:"bytes_download"`
	BytesUpload     int64   `json:"bytes_upload"`
	PacketsSent     int64   `json:"packets_sent"`
	PacketsReceived int64   `json:"packets_received"`
	CurrentHashrate string  `json:"current_hashrate"`
	AverageHashrate string  `json:"average_hashrate"`
	Difficulty      float64 `json:"difficulty"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	ConnectedAt     string  `json:"connected_at"`
	LastSeen        string  `json:"last_seen"`
	Status          string  `json:"status"`
}

type historicalMinerInfo struct {
	Wallet          string `json:"wallet"`
	MinerName       string `json:"miner_name"`
	IP              string `json:"ip"`
	PoolName        string `json:"pool_name"`
	SharesAccepted  int64  `json:"shares_accepted"`
	SharesRejected  int64  `json:"shares_rejected"`
	BytesDownload   int64  `json:"bytes_download"`
	BytesUpload     int64  `json:"bytes_upload"`
	PacketsSent     int64  `json:"packets_sent"`
	PacketsReceived int64  `json:"packets_received"`
	CurrentHashrate string `json:"current_hashrate"`
	AverageHashrate string `json:"average_hashrate"`
	ConnectedAt     string `json:"connected_at"`
	LastSeen        string `json:"last_seen"`
}

type minerInfoResponse struct {
	Wallet         string                `json:"wallet"`
	ActiveMiner    *activeMinerInfo      `json:"active_miner"`
	HistoricalData []historicalMinerInfo `json:"historical_data"`
	TotalMiners    int                   `json:"total_miners"`
}

func (s *Server) handleMinerInfo(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("wallet")
	now := time.Now()

	// First live session whose wallet starts with the prefix.
	var active *activeMinerInfo
	for _, sess := range s.miners.All() {
		st := sess.Snapshot()
		if st.Wallet == "" || !strings.HasPrefix(st.Wallet, prefix) {
			continue
		}
		active = &activeMinerInfo{
			Wallet:          st.Wallet,
			MinerName:       st.Name,
			IP:              sess.IP,
			PoolName:        sess.PoolName,
			SharesAccepted:  sess.SharesAccepted.Load(),
			SharesRejected:  sess.SharesRejected.Load(),
			BytesDownload:   sess.BytesDownload.Load(),
			BytesUpload:     sess.BytesUpload.Load(),
			PacketsSent:     sess.PacketsSent.Load(),
			PacketsReceived: sess.PacketsReceived.Load(),
			CurrentHashrate: miner.FormatHashrate(st.CurrentHashrate),
			AverageHashrate: miner.FormatHashrate(st.AverageHashrate),
			Difficulty:      st.Difficulty,
			UptimeSeconds:   int64(now.Sub(sess.ConnectedAt).Seconds()),
			ConnectedAt:     sess.ConnectedAt.Format(time.RFC3339),
			LastSeen:        st.LastSeen.Format(time.RFC3339),
			Status:          "online",
		}
		break
	}

	historical := s.lookupHistorical(r.Context(), prefix)

	writeJSON(w, http.StatusOK, minerInfoResponse{
		Wallet:         prefix,
		ActiveMiner:    active,
		HistoricalData: historical,
		TotalMiners:    len(historical),
	})
}

// lookupHistorical reads stored rows for a wallet prefix, consulting
// the short-lived cache first so dashboard polling does not hammer the
// database.
func (s *Server) lookupHistorical(ctx context.Context, prefix string) []historicalMinerInfo {
	historical := []historicalMinerInfo{}
	if s.store == nil {
		return historical
	}
	if s.cache.GetWalletLookup(ctx, prefix, &historical) {
		return historical
	}

	records, err := s.store.GetMinersByWalletPrefix(ctx, prefix)
	if err != nil {
		s.logger.Warn("wallet lookup failed", "wallet", prefix, "error", err)
		return historical
	}
	for _, rec := range records {
		historical = append(historical, historicalMinerInfo{
			Wallet:          rec.Wallet,
			MinerName:       rec.MinerName,
			IP:              rec.IP,
			PoolName:        rec.PoolName,
			SharesAccepted:  rec.SharesAccepted,
			SharesRejected:  rec.SharesRejected,
			BytesDownload:   rec.BytesDownload,
			BytesUpload:     rec.BytesUpload,
			PacketsSent:     rec.PacketsSent,
			PacketsReceived: rec.PacketsReceived,
			CurrentHashrate: miner.FormatHashrate(rec.CurrentHashrate),
			AverageHashrate: miner.FormatHashrate(rec.AverageHashrate),
			ConnectedAt:     rec.ConnectedAt.Format(time.RFC3339),
			LastSeen:        rec.LastSeen.Format(time.RFC3339),
		})
	}
	s.cache.SetWalletLookup(ctx, prefix, historical)
	return historical
}

func queryHours(r *http.Request) int {
	if h, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && h > 0 {
		return h
	}
	return 24
}

// handleNetworkStats is a reserved endpoint: the traffic history it
// will serve is already being recorded, but the query side is not
// built yet. It answers with an empty series so dashboards can wire
// against the final shape.
func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":       queryHours(r),
		"data_points": 0,
		"stats":       []any{},
	})
}

// handleSharesStats is reserved, same as handleNetworkStats.
func (s *Server) handleSharesStats(w http.ResponseWriter, r *http.Request) {
	var wallet *string
	if v := r.URL.Query().Get("wallet"); v != "" {
		wallet = &v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":          wallet,
		"hours":           queryHours(r),
		"total_shares":    0,
		"accepted_count":  0,
		"rejected_count":  0,
		"acceptance_rate": 0.0,
		"shares":          []any{},
	})
}
