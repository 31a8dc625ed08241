// Package db provides PostgreSQL persistence for the tunnel: the share
// ledger, cumulative per-miner stats, and traffic snapshots.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mytai/stratum-tunnel/config"
)

// Shares are kept for 365 days and traffic snapshots for 180; the
// cleanup loop enforces both once a day.
const cleanupInterval = 24 * time.Hour

// ShareRecord is one submitted share as persisted to the ledger.
type ShareRecord struct {
	Wallet      string
	MinerName   string
	IP          string
	PoolName    string
	JobID       string
	Accepted    bool
	Difficulty  float64
	SubmittedAt time.Time
}

// MinerRecord is the cumulative per-miner row keyed by
// (wallet, ip, miner_name).
type MinerRecord struct {
	Wallet          string
	MinerName       string
	IP              string
	PoolName        string
	SharesAccepted  int64
	SharesRejected  int64
	BytesDownload   int64
	BytesUpload     int64
	PacketsSent     int64
	PacketsReceived int64
	CurrentHashrate float64
	AverageHashrate float64
	ConnectedAt     time.Time
	LastSeen        time.Time
}

// TrafficRecord is one periodic snapshot of aggregate traffic counters.
type TrafficRecord struct {
	Timestamp       time.Time
	BytesDownload   int64
	BytesUpload     int64
	PacketsSent     int64
	PacketsReceived int64
}

// Store wraps the PostgreSQL connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
	)
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		logger: logger.With("component", "db"),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := s.createTables(ctx); err != nil {
		cancel()
		pool.Close()
		return nil, err
	}

	go s.cleanupLoop()
	return s, nil
}

// Close stops the retention loop and releases the pool.
func (s *Store) Close() {
	s.cancel()
	<-s.done
	s.pool.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS miners (
			id BIGSERIAL PRIMARY KEY,
			wallet TEXT NOT NULL,
			miner_name TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			pool_name TEXT NOT NULL DEFAULT '',
			shares_accepted BIGINT NOT NULL DEFAULT 0,
			shares_rejected BIGINT NOT NULL DEFAULT 0,
			bytes_download BIGINT NOT NULL DEFAULT 0,
			bytes_upload BIGINT NOT NULL DEFAULT 0,
			packets_sent BIGINT NOT NULL DEFAULT 0,
			packets_received BIGINT NOT NULL DEFAULT 0,
			current_hashrate DOUBLE PRECISION NOT NULL DEFAULT 0,
			average_hashrate DOUBLE PRECISION NOT NULL DEFAULT 0,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (wallet, ip, miner_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_miners_wallet ON miners (wallet)`,
		`CREATE INDEX IF NOT EXISTS idx_miners_ip ON miners (ip)`,
		`CREATE INDEX IF NOT EXISTS idx_miners_last_seen ON miners (last_seen)`,
		`CREATE TABLE IF NOT EXISTS shares (
			id BIGSERIAL PRIMARY KEY,
			wallet TEXT NOT NULL,
			miner_name TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			pool_name TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			accepted BOOLEAN NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_wallet ON shares (wallet)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_submitted ON shares (submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_pool ON shares (pool_name)`,
		`CREATE TABLE IF NOT EXISTS network_traffic (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			bytes_download BIGINT NOT NULL DEFAULT 0,
			bytes_upload BIGINT NOT NULL DEFAULT 0,
			packets_sent BIGINT NOT NULL DEFAULT 0,
			packets_received BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_ts ON network_traffic (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveShare appends one share to the ledger.
func (s *Store) SaveShare(ctx context.Context, share ShareRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shares (wallet, miner_name, ip, pool_name, job_id, accepted, difficulty, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, share.Wallet, share.MinerName, share.IP, share.PoolName, share.JobID,
		share.Accepted, share.Difficulty, share.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// SaveMiner upserts one miner row. Counters are added to the stored
// totals so repeated sessions from the same (wallet, ip, miner_name)
// accumulate; hashrates and timestamps are overwritten.
func (s *Store) SaveMiner(ctx context.Context, m MinerRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO miners (wallet, miner_name, ip, pool_name,
			shares_accepted, shares_rejected, bytes_download, bytes_upload,
			packets_sent, packets_received, current_hashrate, average_hashrate,
			connected_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (wallet, ip, miner_name) DO UPDATE SET
			shares_accepted = miners.shares_accepted + EXCLUDED.shares_accepted,
			shares_rejected = miners.shares_rejected + EXCLUDED.shares_rejected,
			bytes_download = miners.bytes_download + EXCLUDED.bytes_download,
			bytes_upload = miners.bytes_upload + EXCLUDED.bytes_upload,
			packets_sent = miners.packets_sent + EXCLUDED.packets_sent,
			packets_received = miners.packets_received + EXCLUDED.packets_received,
			current_hashrate = EXCLUDED.current_hashrate,
			average_hashrate = EXCLUDED.average_hashrate,
			last_seen = EXCLUDED.last_seen,
			pool_name = EXCLUDED.pool_name
	`, m.Wallet, m.MinerName, m.IP, m.PoolName,
		m.SharesAccepted, m.SharesRejected, m.BytesDownload, m.BytesUpload,
		m.PacketsSent, m.PacketsReceived, m.CurrentHashrate, m.AverageHashrate,
		m.ConnectedAt, m.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert miner: %w", err)
	}
	return nil
}

// SaveTraffic appends one aggregate traffic snapshot.
func (s *Store) SaveTraffic(ctx context.Context, t TrafficRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO network_traffic (ts, bytes_download, bytes_upload, packets_sent, packets_received)
		VALUES ($1, $2, $3, $4, $5)
	`, t.Timestamp, t.BytesDownload, t.BytesUpload, t.PacketsSent, t.PacketsReceived)
	if err != nil {
		return fmt.Errorf("failed to insert traffic snapshot: %w", err)
	}
	return nil
}

// GetMinersByWalletPrefix returns every stored miner whose wallet
// starts with prefix.
func (s *Store) GetMinersByWalletPrefix(ctx context.Context, prefix string) ([]MinerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, miner_name, ip, pool_name,
			shares_accepted, shares_rejected, bytes_download, bytes_upload,
			packets_sent, packets_received, current_hashrate, average_hashrate,
			connected_at, last_seen
		FROM miners
		WHERE wallet LIKE $1 || '%'
		ORDER BY last_seen DESC
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query miners: %w", err)
	}
	defer rows.Close()

	var out []MinerRecord
	for rows.Next() {
		var m MinerRecord
		if err := rows.Scan(&m.Wallet, &m.MinerName, &m.IP, &m.PoolName,
			&m.SharesAccepted, &m.SharesRejected, &m.BytesDownload, &m.BytesUpload,
			&m.PacketsSent, &m.PacketsReceived, &m.CurrentHashrate, &m.AverageHashrate,
			&m.ConnectedAt, &m.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan miner: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Sizes reports the on-disk footprint of the miner store and the share
// ledger, in bytes.
func (s *Store) Sizes(ctx context.Context) (minersBytes, sharesBytes int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT pg_total_relation_size('miners'),
			pg_total_relation_size('shares') + pg_total_relation_size('network_traffic')
	`).Scan(&minersBytes, &sharesBytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read table sizes: %w", err)
	}
	return minersBytes, sharesBytes, nil
}

// cleanupLoop enforces retention once a day.
func (s *Store) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanup(s.ctx); err != nil {
				s.logger.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}

func (s *Store) cleanup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM shares WHERE submitted_at < NOW() - INTERVAL '365 days'`); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM network_traffic WHERE ts < NOW() - INTERVAL '180 days'`); err != nil {
		return err
	}
	// Reclaim space freed by the deletes.
	if _, err := s.pool.Exec(ctx, `VACUUM shares`); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `VACUUM network_traffic`); err != nil {
		return err
	}
	s.logger.Info("retention cleanup completed")
	return nil
}
