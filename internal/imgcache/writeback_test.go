package imgcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore holds every Put until release is closed.
type blockingStore struct {
	*memStore
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) Put(ctx context.Context, k Key, body []byte, ct string) error {
	b.started <- struct{}{}
	<-b.release
	return b.memStore.Put(ctx, k, body, ct)
}

func newTestWriteBack(t *testing.T, cfg WriteBackConfig, store objectStore, neg negativeCache) (*writeBack, *statsCollector) {
	t.Helper()
	require.NoError(t, cfg.normalize())
	stats := newStatsCollector()
	wb := newWriteBack(cfg, store, neg, stats, NewLatencyTracker(0.01), quietLogger())
	return wb, stats
}

func TestWriteBackDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{memStore: newMemStore(), started: make(chan struct{}, 4), release: make(chan struct{})}
	neg := newMemNegative()
	wb, stats := newTestWriteBack(t, WriteBackConfig{Workers: 1, QueueSize: 1}, store, neg)
	require.NoError(t, neg.RecordAbsent(context.Background(), "/3.jpg"))

	require.True(t, wb.Enqueue(writeOp{key: "/1.jpg"}))
	<-store.started // worker holds op 1
	require.True(t, wb.Enqueue(writeOp{key: "/2.jpg"}))
	assert.False(t, wb.Enqueue(writeOp{key: "/3.jpg"}))
	assert.Equal(t, uint64(1), stats.Snapshot().WriteDropped)

	// The dropped op still clears its negative entry.
	_, rejected := neg.status("/3.jpg")
	assert.False(t, rejected)
	neg.mu.Lock()
	assert.Equal(t, []Key{"/3.jpg"}, neg.invalidated)
	neg.mu.Unlock()

	close(store.release)
	wb.Close()
	assert.Equal(t, int32(2), store.puts.Load())
	assert.Equal(t, uint64(2), stats.Snapshot().WriteStored)
}

func TestWriteBackCloseDrainsAndRejects(t *testing.T) {
	store, neg := newMemStore(), newMemNegative()
	wb, stats := newTestWriteBack(t, WriteBackConfig{Workers: 2, QueueSize: 16}, store, neg)

	for _, k := range []Key{"/a.png", "/b.png", "/c.png"} {
		require.True(t, wb.Enqueue(writeOp{key: k, body: []byte(k), contentType: "image/png"}))
	}
	wb.Close()
	wb.Close()

	assert.Equal(t, uint64(3), stats.Snapshot().WriteStored)
	assert.ElementsMatch(t, []Key{"/a.png", "/b.png", "/c.png"}, neg.invalidated)
	assert.Equal(t, "image/png", store.objects["/a.png"].ContentType)
	assert.False(t, wb.Enqueue(writeOp{key: "/late.png"}))
}

func TestWriteBackAppliesQueuedOp(t *testing.T) {
	store := newMemStore()
	cfg := WriteBackConfig{Workers: 1, QueueSize: 4, Timeout: "50ms"}
	wb, _ := newTestWriteBack(t, cfg, store, newMemNegative())
	defer wb.Close()

	require.True(t, wb.Enqueue(writeOp{key: "/a.png"}))
	select {
	case k := <-store.putDone:
		assert.Equal(t, Key("/a.png"), k)
	case <-time.After(5 * time.Second):
		t.Fatal("put never ran")
	}
}
