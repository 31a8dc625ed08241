package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mytai/stratum-tunnel/config"
	"github.com/mytai/stratum-tunnel/db"
	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
)

type captureStore struct {
	mu     sync.Mutex
	shares []db.ShareRecord
	miners []db.MinerRecord
}

func (c *captureStore) RecordShare(share db.ShareRecord) {
	c.mu.Lock()
	c.shares = append(c.shares, share)
	c.mu.Unlock()
}

func (c *captureStore) RecordMiner(m db.MinerRecord) {
	c.mu.Lock()
	c.miners = append(c.miners, m)
	c.mu.Unlock()
}

func (c *captureStore) snapshot() ([]db.ShareRecord, []db.MinerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]db.ShareRecord(nil), c.shares...), append([]db.MinerRecord(nil), c.miners...)
}

// fakePool accepts a single upstream connection and exposes its line
// reader and writer to the test.
type fakePool struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakePool{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fp.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fp
}

func (fp *fakePool) addr() (host string, port uint16) {
	tcp := fp.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), uint16(tcp.Port)
}

func (fp *fakePool) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-fp.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("pool side never saw a connection")
		return nil
	}
}

func startTunnel(t *testing.T, fp *fakePool, store Store) (*Tunnel, *miner.Registry, *pool.Registry, string) {
	t.Helper()
	host, port := fp.addr()
	miners := miner.NewRegistry()
	pools := pool.NewRegistry()
	tun := New("test",
		config.TunnelConfig{IP: "127.0.0.1", Port: 0, Pool: "p"},
		config.PoolConfig{Host: host, Port: port, Name: "Test Pool"},
		miners, pools, store, nil, nil)
	if err := tun.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tun.Stop)
	return tun, miners, pools, tun.listener.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func onlySession(t *testing.T, miners *miner.Registry) *miner.Session {
	t.Helper()
	var s *miner.Session
	waitFor(t, "session registration", func() bool {
		all := miners.All()
		if len(all) != 1 {
			return false
		}
		s = all[0]
		return true
	})
	return s
}

func TestAuthorizeSubmitAccept(t *testing.T) {
	fp := newFakePool(t)
	store := &captureStore{}
	_, miners, pools, addr := startTunnel(t, fp, store)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	upstream := fp.accept(t)
	defer upstream.Close()
	upReader := bufio.NewReader(upstream)
	clReader := bufio.NewReader(client)

	s := onlySession(t, miners)

	// Authorize passes through verbatim and tags the session.
	authLine := `{"id":1,"method":"mining.authorize","params":["wallet1.rig0","x"]}` + "\n"
	fmt.Fprint(client, authLine)
	got, err := upReader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if got != authLine {
		t.Fatalf("relayed line mutated:\n got %q\nwant %q", got, authLine)
	}
	waitFor(t, "authorize observed", func() bool {
		return s.Snapshot().Wallet == "wallet1"
	})
	if st := s.Snapshot(); st.Name != "wallet1.rig0" {
		t.Errorf("miner name = %q, want wallet1.rig0", st.Name)
	}

	// Difficulty and job flow down from the pool.
	fmt.Fprint(upstream, `{"id":null,"method":"mining.set_difficulty","params":[1024]}`+"\n")
	if _, err := clReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(upstream, `{"id":null,"method":"mining.notify","params":["job42","prevhash"]}`+"\n")
	if _, err := clReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "notify observed", func() bool {
		st := s.Snapshot()
		return st.JobID == "job42" && st.Difficulty == 1024
	})

	// Submit then an accepting reply.
	fmt.Fprint(client, `{"id":4,"method":"mining.submit","params":["wallet1.rig0","job42","nonce"]}`+"\n")
	if _, err := upReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "submit observed", func() bool {
		return !s.Snapshot().LastSubmit.IsZero()
	})
	fmt.Fprint(upstream, `{"id":4,"result":true,"error":null}`+"\n")
	if _, err := clReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "accepted share", func() bool {
		return s.SharesAccepted.Load() == 1
	})

	pm := pools.GetOrCreate("Test Pool").Snapshot()
	if pm.SharesAccepted != 1 || pm.SharesRejected != 0 {
		t.Errorf("pool shares = %d/%d, want 1/0", pm.SharesAccepted, pm.SharesRejected)
	}
	if pm.AcceptSamples != 1 {
		t.Errorf("accept samples = %d, want 1", pm.AcceptSamples)
	}

	waitFor(t, "share persisted", func() bool {
		shares, _ := store.snapshot()
		return len(shares) == 1
	})
	shares, _ := store.snapshot()
	sh := shares[0]
	if sh.Wallet != "wallet1" || sh.JobID != "job42" || !sh.Accepted || sh.Difficulty != 1024 {
		t.Errorf("share record = %+v", sh)
	}
}

func TestRejectedShare(t *testing.T) {
	fp := newFakePool(t)
	store := &captureStore{}
	_, miners, pools, addr := startTunnel(t, fp, store)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	upstream := fp.accept(t)
	defer upstream.Close()
	upReader := bufio.NewReader(upstream)
	clReader := bufio.NewReader(client)

	s := onlySession(t, miners)

	fmt.Fprint(client, `{"id":7,"method":"mining.submit","params":["w.r","jobX","n"]}`+"\n")
	if _, err := upReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "submit observed", func() bool {
		return !s.Snapshot().LastSubmit.IsZero()
	})
	fmt.Fprint(upstream, `{"id":7,"result":false,"error":[21,"stale",null]}`+"\n")
	if _, err := clReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "rejected share", func() bool {
		return s.SharesRejected.Load() == 1
	})
	if s.SharesAccepted.Load() != 0 {
		t.Error("reject also counted as accept")
	}

	pm := pools.GetOrCreate("Test Pool").Snapshot()
	if pm.SharesRejected != 1 {
		t.Errorf("pool rejected = %d, want 1", pm.SharesRejected)
	}
	// Rejections do not feed the accept-latency window.
	if pm.AcceptSamples != 0 {
		t.Errorf("accept samples = %d, want 0", pm.AcceptSamples)
	}

	waitFor(t, "share persisted", func() bool {
		shares, _ := store.snapshot()
		return len(shares) == 1 && !shares[0].Accepted
	})
}

func TestReplyWithoutSubmitNotCounted(t *testing.T) {
	fp := newFakePool(t)
	_, miners, _, addr := startTunnel(t, fp, &captureStore{})

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	upstream := fp.accept(t)
	defer upstream.Close()
	clReader := bufio.NewReader(client)

	s := onlySession(t, miners)

	// An authorize ack with no submit behind it must not count.
	fmt.Fprint(upstream, `{"id":1,"result":true,"error":null}`+"\n")
	if _, err := clReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "line counted", func() bool {
		return s.PacketsReceived.Load() == 1
	})
	if s.SharesAccepted.Load() != 0 {
		t.Error("ack without submit counted as share")
	}
}

func TestDisconnectPersistsAndDeregisters(t *testing.T) {
	fp := newFakePool(t)
	store := &captureStore{}
	_, miners, _, addr := startTunnel(t, fp, store)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	upstream := fp.accept(t)
	defer upstream.Close()
	upReader := bufio.NewReader(upstream)

	s := onlySession(t, miners)
	authLine := `{"id":1,"method":"mining.authorize","params":["walletZ.rig","x"]}` + "\n"
	fmt.Fprint(client, authLine)
	if _, err := upReader.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "authorize observed", func() bool {
		return s.Snapshot().Wallet == "walletZ"
	})

	client.Close()

	waitFor(t, "session removed", func() bool {
		return miners.Count() == 0
	})
	waitFor(t, "miner persisted", func() bool {
		_, recs := store.snapshot()
		return len(recs) == 1
	})
	_, recs := store.snapshot()
	rec := recs[0]
	if rec.Wallet != "walletZ" || rec.MinerName != "walletZ.rig" {
		t.Errorf("persisted record = %+v", rec)
	}
	if rec.BytesUpload != int64(len(authLine)) || rec.PacketsSent != 1 {
		t.Errorf("traffic counters = %d bytes / %d packets, want %d/1",
			rec.BytesUpload, rec.PacketsSent, len(authLine))
	}
}

func TestPoolDialFailureClosesClient(t *testing.T) {
	// Point the tunnel at a freed port so the upstream dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().(*net.TCPAddr)
	ln.Close()

	miners := miner.NewRegistry()
	tun := New("test",
		config.TunnelConfig{IP: "127.0.0.1", Port: 0, Pool: "p"},
		config.PoolConfig{Host: dead.IP.String(), Port: uint16(dead.Port), Name: "Dead Pool"},
		miners, pool.NewRegistry(), nil, nil, nil)
	if err := tun.Start(); err != nil {
		t.Fatal(err)
	}
	defer tun.Stop()

	client, err := net.Dial("tcp", tun.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// The tunnel should hang up on us once the upstream dial fails.
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected connection close, got data")
	} else if strings.Contains(err.Error(), "timeout") {
		t.Fatal("client connection left hanging")
	}
	if miners.Count() != 0 {
		t.Error("failed dial left a registered session")
	}
}

func TestStopUnwindsLiveSessions(t *testing.T) {
	fp := newFakePool(t)
	tun, miners, _, addr := startTunnel(t, fp, &captureStore{})

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	upstream := fp.accept(t)
	defer upstream.Close()

	onlySession(t, miners)
	tun.Stop()

	if miners.Count() != 0 {
		t.Error("Stop left sessions registered")
	}
}
