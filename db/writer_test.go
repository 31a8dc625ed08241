package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubBackend struct {
	mu      sync.Mutex
	shares  []ShareRecord
	miners  []MinerRecord
	traffic []TrafficRecord
	fail    bool
	block   chan struct{}
}

func (s *stubBackend) SaveShare(_ context.Context, share ShareRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("stub failure")
	}
	s.shares = append(s.shares, share)
	return nil
}

func (s *stubBackend) SaveMiner(_ context.Context, m MinerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.miners = append(s.miners, m)
	return nil
}

func (s *stubBackend) SaveTraffic(_ context.Context, t TrafficRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traffic = append(s.traffic, t)
	return nil
}

func (s *stubBackend) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares), len(s.miners), len(s.traffic)
}

func TestWriterDrainsInOrder(t *testing.T) {
	stub := &stubBackend{}
	w := NewWriter(stub, nil)
	w.Start()

	for i := 0; i < 5; i++ {
		w.RecordShare(ShareRecord{Wallet: "w", JobID: string(rune('a' + i))})
	}
	w.RecordMiner(MinerRecord{Wallet: "w"})
	w.RecordTraffic(TrafficRecord{Timestamp: time.Now()})
	w.Stop()

	shares, miners, traffic := stub.counts()
	if shares != 5 || miners != 1 || traffic != 1 {
		t.Fatalf("drained %d/%d/%d, want 5/1/1", shares, miners, traffic)
	}
	for i, s := range stub.shares {
		if s.JobID != string(rune('a'+i)) {
			t.Fatalf("share %d out of order: job %q", i, s.JobID)
		}
	}
	if w.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", w.Dropped())
	}
}

func TestWriterNeverBlocksWhenFull(t *testing.T) {
	stub := &stubBackend{block: make(chan struct{})}
	w := NewWriter(stub, nil)
	w.Start()

	// The backend is stalled, so everything beyond the queue capacity
	// must evict older entries instead of blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < writerQueueSize*2; i++ {
			w.RecordShare(ShareRecord{Wallet: "w"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	if w.Dropped() == 0 {
		t.Error("overflow produced no drop count")
	}
	close(stub.block)
	w.Stop()
}

func TestWriterSurvivesBackendErrors(t *testing.T) {
	stub := &stubBackend{fail: true}
	w := NewWriter(stub, nil)
	w.Start()

	w.RecordShare(ShareRecord{Wallet: "w"})
	w.RecordShare(ShareRecord{Wallet: "w"})
	w.Stop()

	// Failed writes are logged and discarded; the writer keeps going.
	if shares, _, _ := stub.counts(); shares != 0 {
		t.Errorf("failing backend stored %d shares", shares)
	}
}

func TestWriterStopFlushesBacklog(t *testing.T) {
	stub := &stubBackend{}
	w := NewWriter(stub, nil)

	// Queue before Start so everything is backlog, then let Stop's
	// flush path deliver it.
	for i := 0; i < 10; i++ {
		w.RecordMiner(MinerRecord{Wallet: "w"})
	}
	w.Start()
	w.Stop()

	if _, miners, _ := stub.counts(); miners != 10 {
		t.Errorf("flushed %d miners, want 10", miners)
	}
}
