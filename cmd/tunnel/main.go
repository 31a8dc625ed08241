// Transparent Stratum tunnel daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mytai/stratum-tunnel/api"
	"github.com/mytai/stratum-tunnel/cache"
	"github.com/mytai/stratum-tunnel/config"
	"github.com/mytai/stratum-tunnel/db"
	"github.com/mytai/stratum-tunnel/logger"
	"github.com/mytai/stratum-tunnel/metrics"
	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
	"github.com/mytai/stratum-tunnel/proxy"
	"github.com/mytai/stratum-tunnel/sysmon"
	"github.com/mytai/stratum-tunnel/ws"
)

// Build info (set via ldflags)
var (
	Version = "dev"
	Commit  = "unknown"
)

const trafficSnapshotInterval = 5 * time.Minute

// Flags holds CLI configuration
type Flags struct {
	ConfigPath string
	NoData     bool
	NoAPI      bool
	NoDebug    bool
	TLS        bool
	TLSCert    string
	TLSKey     string
}

func parseFlags() Flags {
	f := Flags{}
	flag.StringVar(&f.ConfigPath, "config", "config.yml", "Path to configuration file")
	flag.BoolVar(&f.NoData, "nodata", false, "Disable database persistence")
	flag.BoolVar(&f.NoAPI, "noapi", false, "Disable HTTP API server")
	flag.BoolVar(&f.NoDebug, "nodebug", false, "Suppress console output")
	flag.BoolVar(&f.TLS, "tls", false, "Enable TLS for miner connections (not yet implemented)")
	flag.StringVar(&f.TLSCert, "tlscert", "cert.pem", "TLS certificate file")
	flag.StringVar(&f.TLSKey, "tlskey", "key.pem", "TLS key file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunnel %s (%s)\n", Version, Commit)
		os.Exit(0)
	}
	return f
}

func main() {
	flags := parseFlags()

	// The log hub exists before the logger so every rendered line can be
	// teed into it; with --nodebug the console goes quiet but the stream
	// keeps flowing.
	hub := ws.NewHub(nil)
	hub.Start()

	cfg, err := config.LoadOrCreate(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		Quiet: flags.NoDebug,
		Sink:  hub,
	})
	slog.SetDefault(log)

	log.Info("starting tunnel",
		"version", Version,
		"pools", len(cfg.Pools),
		"tunnels", len(cfg.Tunnels))
	if flags.TLS {
		log.Warn("tls requested but miner-side TLS is not implemented; flags ignored",
			"cert", flags.TLSCert, "key", flags.TLSKey)
	}

	// Persistence is optional; without it the tunnel is purely in-memory.
	var store *db.Store
	var writer *db.Writer
	if !flags.NoData {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		store, err = db.New(ctx, cfg.Database, log)
		cancel()
		if err != nil {
			log.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		writer = db.NewWriter(store, log)
		writer.Start()
		log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	} else {
		log.Info("database persistence disabled")
	}

	cch, err := cache.New(cfg.Redis)
	if err != nil {
		// The cache is an accelerator, never a dependency.
		log.Warn("redis unavailable, continuing without cache", "error", err)
		cch = nil
	} else if cch != nil {
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	miners := miner.NewRegistry()
	pools := pool.NewRegistry()

	monitor := sysmon.New(log, miners.Count)
	monitor.Start()

	targets := make([]pool.Target, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		targets = append(targets, pool.Target{Name: p.Name, Addr: p.Addr()})
	}
	pinger := pool.NewPingMonitor(pools, targets, log)
	pinger.Start()

	var tunnelStore proxy.Store
	if writer != nil {
		tunnelStore = writer
	}
	tunnels := make([]*proxy.Tunnel, 0, len(cfg.Tunnels))
	for name, tc := range cfg.Tunnels {
		pc := cfg.Pools[tc.Pool]
		tun := proxy.New(name, tc, pc, miners, pools, tunnelStore, cch, log)
		if err := tun.Start(); err != nil {
			log.Error("tunnel bind failed", "tunnel", name, "addr", tc.ListenAddr(), "error", err)
			os.Exit(1)
		}
		tunnels = append(tunnels, tun)
	}

	var apiServer *api.Server
	if !flags.NoAPI {
		collector := metrics.New(miners, pools, monitor)
		apiServer = api.NewServer(api.Config{
			Port:       cfg.APIPort,
			Miners:     miners,
			Pools:      pools,
			Monitor:    monitor,
			Store:      apiStore(store),
			Cache:      cch,
			Prometheus: collector.Handler(),
			LogStream:  hub.Handler(),
			Logger:     log,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("api server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	trafficDone := make(chan struct{})
	if writer != nil {
		go trafficLoop(writer, miners, trafficDone)
	}

	log.Info("tunnel started", "active_tunnels", len(tunnels))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	// Tunnels first so sessions persist their final counters, then the
	// writer so those records reach the database.
	for _, tun := range tunnels {
		tun.Stop()
	}
	pinger.Stop()
	monitor.Stop()
	if writer != nil {
		close(trafficDone)
	}
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		apiServer.Stop(ctx)
		cancel()
	}
	hub.Stop()
	if writer != nil {
		writer.Stop()
	}
	if store != nil {
		store.Close()
	}
	cch.Close()

	log.Info("shutdown complete")
}

// apiStore converts a possibly-nil *db.Store into the API's store
// interface without producing a typed-nil interface.
func apiStore(store *db.Store) api.MinerStore {
	if store == nil {
		return nil
	}
	return store
}

// trafficLoop periodically snapshots the aggregate traffic counters of
// live sessions into the database.
func trafficLoop(writer *db.Writer, miners *miner.Registry, done chan struct{}) {
	ticker := time.NewTicker(trafficSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var rec db.TrafficRecord
			rec.Timestamp = time.Now()
			for _, s := range miners.All() {
				rec.BytesDownload += s.BytesDownload.Load()
				rec.BytesUpload += s.BytesUpload.Load()
				rec.PacketsSent += s.PacketsSent.Load()
				rec.PacketsReceived += s.PacketsReceived.Load()
			}
			writer.RecordTraffic(rec)
		}
	}
}
