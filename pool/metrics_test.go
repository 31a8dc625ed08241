package pool

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestPingWindowBoundAndMean(t *testing.T) {
	m := &Metrics{Name: "pool1"}

	// 150 probes with latencies 1..150; the window must keep exactly the
	// last 100 (51..150) and average them.
	for i := 1; i <= 150; i++ {
		m.AddPingSample(float64(i))
	}

	st := m.Snapshot()
	if st.PingSamples != 100 {
		t.Fatalf("ping samples = %d, want 100", st.PingSamples)
	}
	if st.CurrentPingMs != 150 {
		t.Errorf("current ping = %v, want 150", st.CurrentPingMs)
	}
	// mean(51..150) = 100.5
	if st.AveragePingMs < 100.499 || st.AveragePingMs > 100.501 {
		t.Errorf("average ping = %v, want 100.5", st.AveragePingMs)
	}
	if st.LastPingAt.IsZero() {
		t.Error("last ping time not set")
	}
}

func TestAcceptTimeWindow(t *testing.T) {
	m := &Metrics{Name: "pool1"}

	for i := 0; i < 120; i++ {
		m.AddAcceptTime(40)
	}

	st := m.Snapshot()
	if st.AcceptSamples != 100 {
		t.Errorf("accept samples = %d, want 100", st.AcceptSamples)
	}
	if st.AvgAcceptMs != 40 {
		t.Errorf("avg accept = %v, want 40", st.AvgAcceptMs)
	}
}

func TestShareTotals(t *testing.T) {
	m := &Metrics{Name: "pool1"}

	m.AddShare(true)
	m.AddShare(true)
	m.AddShare(false)

	st := m.Snapshot()
	if st.SharesAccepted != 2 || st.SharesRejected != 1 {
		t.Errorf("accepted=%d rejected=%d, want 2/1", st.SharesAccepted, st.SharesRejected)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()

	a := r.GetOrCreate("pool1")
	b := r.GetOrCreate("pool1")
	if a != b {
		t.Error("GetOrCreate returned distinct entries for the same name")
	}

	r.GetOrCreate("pool2")
	if len(r.All()) != 2 {
		t.Errorf("pools = %d, want 2", len(r.All()))
	}
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	results := make([]*Metrics, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("same")
		}(i)
	}
	wg.Wait()

	for _, m := range results[1:] {
		if m != results[0] {
			t.Fatal("concurrent GetOrCreate returned distinct entries")
		}
	}
}

func TestProbeRecordsSample(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	r := NewRegistry()
	mon := NewPingMonitor(r, []Target{{Name: "local", Addr: ln.Addr().String()}}, nil)
	mon.probe(Target{Name: "local", Addr: ln.Addr().String()})
	mon.Stop()

	st := r.GetOrCreate("local").Snapshot()
	if st.PingSamples != 1 {
		t.Fatalf("ping samples = %d, want 1", st.PingSamples)
	}
	if st.CurrentPingMs <= 0 || st.CurrentPingMs > float64(5*time.Second/time.Millisecond) {
		t.Errorf("implausible ping %v ms", st.CurrentPingMs)
	}
}

func TestProbeFailureIsSilent(t *testing.T) {
	// Grab a port and close it again so the connect is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := NewRegistry()
	mon := NewPingMonitor(r, nil, nil)
	mon.probe(Target{Name: "dead", Addr: addr})
	mon.Stop()

	if st := r.GetOrCreate("dead").Snapshot(); st.PingSamples != 0 {
		t.Errorf("failed probe produced %d samples", st.PingSamples)
	}
}
