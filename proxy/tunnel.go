// Package proxy implements the transparent Stratum tunnel: one
// listener per configured tunnel, one upstream connection per client,
// and a byte-faithful relay in both directions. Protocol awareness is
// observation only; no line is ever rewritten, answered, or reordered.
package proxy

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mytai/stratum-tunnel/cache"
	"github.com/mytai/stratum-tunnel/config"
	"github.com/mytai/stratum-tunnel/db"
	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
	"github.com/mytai/stratum-tunnel/stratum"
)

const dialTimeout = 10 * time.Second

// Store receives persistence events from the relay. Calls must never
// block; the async writer satisfies this.
type Store interface {
	RecordShare(share db.ShareRecord)
	RecordMiner(m db.MinerRecord)
}

// Tunnel is one listener forwarding to one upstream pool.
type Tunnel struct {
	name     string
	cfg      config.TunnelConfig
	poolCfg  config.PoolConfig
	miners   *miner.Registry
	pools    *pool.Registry
	store    Store
	cache    *cache.Cache
	logger   *slog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tunnel. store and cache may be nil.
func New(name string, cfg config.TunnelConfig, poolCfg config.PoolConfig,
	miners *miner.Registry, pools *pool.Registry, store Store,
	c *cache.Cache, logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		name:    name,
		cfg:     cfg,
		poolCfg: poolCfg,
		miners:  miners,
		pools:   pools,
		store:   store,
		cache:   c,
		logger:  logger.With("component", "tunnel", "tunnel", name),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and begins accepting. A bind failure is
// returned to the caller; everything after that is handled internally.
func (t *Tunnel) Start() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr())
	if err != nil {
		return err
	}
	t.listener = ln
	t.logger.Info("tunnel listening",
		"addr", t.cfg.ListenAddr(),
		"pool", t.poolCfg.Addr(),
		"pool_name", t.poolCfg.Name)

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and waits for live sessions to unwind.
func (t *Tunnel) Stop() {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

func (t *Tunnel) handleConn(client net.Conn) {
	ip, port, err := net.SplitHostPort(client.RemoteAddr().String())
	if err != nil {
		ip, port = "unknown", "0"
	}
	t.logger.Debug("new connection", "remote", client.RemoteAddr().String())

	upstream, err := net.DialTimeout("tcp", t.poolCfg.Addr(), dialTimeout)
	if err != nil {
		// Without an upstream there is nothing to relay; drop the client
		// so it retries rather than hangs.
		t.logger.Warn("pool dial failed", "pool", t.poolCfg.Addr(), "error", err)
		client.Close()
		return
	}

	session := miner.NewSession(ip, port, t.poolCfg.Name)
	t.miners.Add(session)
	t.cache.SetMinerOnline(t.ctx, session.Key())

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
			t.miners.Remove(session.Key())
			t.cache.SetMinerOffline(context.Background(), session.Key())
			t.persistSession(session)
			t.logger.Debug("connection closed", "remote", session.Key())
		})
	}

	// Watch for shutdown so Stop() tears down live sessions too.
	stopWatch := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-t.ctx.Done():
			teardown()
		case <-stopWatch:
		}
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		defer teardown()
		t.clientToPool(session, client, upstream)
	}()
	go func() {
		defer pumps.Done()
		defer teardown()
		t.poolToClient(session, upstream, client)
	}()
	pumps.Wait()
	close(stopWatch)
}

// persistSession flushes the session's cumulative counters once, at
// teardown. The additive upsert in the store makes repeat sessions
// from the same miner accumulate.
func (t *Tunnel) persistSession(s *miner.Session) {
	if t.store == nil {
		return
	}
	st := s.Snapshot()
	t.store.RecordMiner(db.MinerRecord{
		Wallet:          st.Wallet,
		MinerName:       st.Name,
		IP:              s.IP,
		PoolName:        s.PoolName,
		SharesAccepted:  s.SharesAccepted.Load(),
		SharesRejected:  s.SharesRejected.Load(),
		BytesDownload:   s.BytesDownload.Load(),
		BytesUpload:     s.BytesUpload.Load(),
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		CurrentHashrate: st.CurrentHashrate,
		AverageHashrate: st.AverageHashrate,
		ConnectedAt:     s.ConnectedAt,
		LastSeen:        st.LastSeen,
	})
}

// clientToPool relays miner lines upstream. The relay write always
// happens before any bookkeeping, so observation can never delay or
// reorder traffic.
func (t *Tunnel) clientToPool(s *miner.Session, client net.Conn, upstream net.Conn) {
	reader := bufio.NewReader(client)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := upstream.Write(line); werr != nil {
				return
			}
			s.BytesUpload.Add(int64(len(line)))
			s.PacketsSent.Add(1)
			s.Touch()
			t.observeClient(s, line)
		}
		if err != nil {
			return
		}
	}
}

func (t *Tunnel) observeClient(s *miner.Session, line []byte) {
	ev := stratum.Classify(line)
	switch ev.Kind {
	case stratum.ClientAuthorize:
		s.Authorize(ev.Username)
		t.logger.Info("miner authorized",
			"miner", ev.Username,
			"remote", s.Key(),
			"pool", t.poolCfg.Name)
	case stratum.ClientSubmit:
		s.RecordSubmit(ev.JobID, time.Now())
		st := s.Snapshot()
		t.logger.Debug("share submitted",
			"miner", st.Name,
			"remote", s.Key(),
			"job", st.JobID,
			"pool", t.poolCfg.Name)
	}
}

// poolToClient relays pool lines downstream and watches for job
// assignments, difficulty changes, and share outcomes.
func (t *Tunnel) poolToClient(s *miner.Session, upstream net.Conn, client net.Conn) {
	reader := bufio.NewReader(upstream)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := client.Write(line); werr != nil {
				return
			}
			s.BytesDownload.Add(int64(len(line)))
			s.PacketsReceived.Add(1)
			s.Touch()
			t.observePool(s, line)
		}
		if err != nil {
			return
		}
	}
}

func (t *Tunnel) observePool(s *miner.Session, line []byte) {
	ev := stratum.Classify(line)
	switch ev.Kind {
	case stratum.PoolNotify:
		s.SetJobID(ev.JobID)
		t.logger.Debug("new job", "job", ev.JobID, "remote", s.Key(), "pool", t.poolCfg.Name)
	case stratum.PoolSetDifficulty:
		s.SetDifficulty(ev.Difficulty)
		t.logger.Debug("difficulty set", "difficulty", ev.Difficulty, "remote", s.Key())
	case stratum.PoolReply:
		if ev.HasError {
			t.logger.Warn("pool error", "pool", t.poolCfg.Name, "remote", s.Key())
		}
		if ev.HasResult {
			t.correlateReply(s, ev.OK)
		}
	}
}

// correlateReply attributes a boolean reply to the most recent submit.
// Replies with no recent submit behind them (authorize and subscribe
// acks, late responses) are relayed but not counted.
func (t *Tunnel) correlateReply(s *miner.Session, accepted bool) {
	now := time.Now()
	elapsed, pending := s.PendingSubmit(now)
	if !pending {
		return
	}

	pm := t.pools.GetOrCreate(t.poolCfg.Name)
	acceptMs := float64(elapsed) / float64(time.Millisecond)

	if accepted {
		s.SharesAccepted.Add(1)
		s.RecalcHashrate(now)
		pm.AddShare(true)
		pm.AddAcceptTime(acceptMs)
	} else {
		s.SharesRejected.Add(1)
		pm.AddShare(false)
	}

	st := s.Snapshot()
	if accepted {
		t.logger.Info("share accepted",
			"miner", st.Name,
			"remote", s.Key(),
			"pool", t.poolCfg.Name,
			"accept_ms", int64(acceptMs),
			"current", miner.FormatHashrate(st.CurrentHashrate),
			"average", miner.FormatHashrate(st.AverageHashrate))
	} else {
		t.logger.Info("share rejected",
			"miner", st.Name,
			"remote", s.Key(),
			"pool", t.poolCfg.Name)
	}

	if t.store != nil {
		t.store.RecordShare(db.ShareRecord{
			Wallet:      st.Wallet,
			MinerName:   st.Name,
			IP:          s.IP,
			PoolName:    s.PoolName,
			JobID:       st.JobID,
			Accepted:    accepted,
			Difficulty:  st.Difficulty,
			SubmittedAt: now,
		})
	}
}
