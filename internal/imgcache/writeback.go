package imgcache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// writeOp persists one origin success: store the object, then clear any
// negative entry for its key.
type writeOp struct {
	key         Key
	body        []byte
	contentType string
}

// writeBack runs store puts off the request path on a fixed set of workers
// fed by a bounded queue. Ops run on their own context so a client hanging up
// never cancels them.
type writeBack struct {
	store   objectStore
	neg     negativeCache
	timeout time.Duration
	stats   *statsCollector
	latency *LatencyTracker

	log         logrus.FieldLogger
	overflowLog *rateLimitedLogger

	mu     sync.RWMutex
	closed bool
	ops    chan writeOp
	wg     sync.WaitGroup
}

func newWriteBack(cfg WriteBackConfig, store objectStore, neg negativeCache, stats *statsCollector, latency *LatencyTracker, log logrus.FieldLogger) *writeBack {
	log = log.WithField("component", "write-back")
	w := &writeBack{
		store:       store,
		neg:         neg,
		timeout:     cfg.timeout,
		stats:       stats,
		latency:     latency,
		log:         log,
		overflowLog: newRateLimitedLogger(log, time.Minute),
		ops:         make(chan writeOp, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.writerLoop()
	}
	return w
}

// Enqueue schedules op without blocking. A full queue drops the put, so the
// next request for the key goes back to the origin; the negative entry is
// still cleared inline.
func (w *writeBack) Enqueue(op writeOp) bool {
	if w.tryEnqueue(op) {
		return true
	}
	w.invalidate(op.key)
	return false
}

func (w *writeBack) tryEnqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
		w.stats.writeDropped.Add(1)
		w.overflowLog.Warnf("write-back queue full, dropping %s", op.key)
		return false
	}
}

func (w *writeBack) invalidate(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.neg.Invalidate(ctx, key); err != nil {
		w.log.WithError(err).WithField("key", key).Debug("negative cache invalidate failed")
	}
}

// Close stops accepting ops and waits for queued ones to finish.
func (w *writeBack) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *writeBack) writerLoop() {
	defer w.wg.Done()
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *writeBack) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	start := time.Now()
	err := w.store.Put(ctx, op.key, op.body, op.contentType)
	w.latency.Record(opStorePut, time.Since(start))
	if err != nil {
		w.stats.writeFailed.Add(1)
		w.log.WithError(err).WithField("key", op.key).Warn("store put failed")
	} else {
		w.stats.writeStored.Add(1)
	}

	// Runs regardless of the put result: the origin just served the key.
	w.invalidate(op.key)
}
