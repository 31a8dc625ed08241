package db

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const writerQueueSize = 1024

// backend is the subset of Store the writer drains into. Split out so
// tests can run the queue against a stub.
type backend interface {
	SaveShare(ctx context.Context, share ShareRecord) error
	SaveMiner(ctx context.Context, m MinerRecord) error
	SaveTraffic(ctx context.Context, t TrafficRecord) error
}

type writeOp struct {
	share   *ShareRecord
	miner   *MinerRecord
	traffic *TrafficRecord
}

// Writer decouples the dataplane from PostgreSQL: enqueue calls never
// block, a single goroutine drains the queue in order, and when the
// queue is full the oldest pending write is dropped to make room.
type Writer struct {
	store  backend
	logger *slog.Logger

	queue   chan writeOp
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a writer; call Start before enqueueing.
func NewWriter(store backend, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		store:  store,
		logger: logger.With("component", "dbwriter"),
		queue:  make(chan writeOp, writerQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the drain goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop drains whatever is already queued, then returns.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Dropped returns the number of writes discarded due to backpressure.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// RecordShare queues one share for the ledger. Never blocks.
func (w *Writer) RecordShare(share ShareRecord) {
	w.enqueue(writeOp{share: &share})
}

// RecordMiner queues one miner snapshot upsert. Never blocks.
func (w *Writer) RecordMiner(m MinerRecord) {
	w.enqueue(writeOp{miner: &m})
}

// RecordTraffic queues one traffic snapshot. Never blocks.
func (w *Writer) RecordTraffic(t TrafficRecord) {
	w.enqueue(writeOp{traffic: &t})
}

func (w *Writer) enqueue(op writeOp) {
	for {
		select {
		case w.queue <- op:
			return
		default:
		}
		// Queue full: evict the oldest pending write and retry. Losing
		// the stalest record beats blocking the relay path.
		select {
		case <-w.queue:
			n := w.dropped.Add(1)
			if n%100 == 1 {
				w.logger.Warn("write queue full, dropping oldest", "dropped_total", n)
			}
		default:
		}
	}
}

func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.ctx.Done():
			// Flush the backlog before exiting.
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch {
	case op.share != nil:
		err = w.store.SaveShare(ctx, *op.share)
	case op.miner != nil:
		err = w.store.SaveMiner(ctx, *op.miner)
	case op.traffic != nil:
		err = w.store.SaveTraffic(ctx, *op.traffic)
	}
	if err != nil {
		w.logger.Warn("database write failed", "error", err)
	}
}
