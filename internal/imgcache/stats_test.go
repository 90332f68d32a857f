package imgcache

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsObserveOutcome(t *testing.T) {
	s := newStatsCollector()
	s.ObserveOutcome(Outcome{Kind: OutcomeServe, Source: SourceStore, Object: Object{Body: make([]byte, 10)}})
	s.ObserveOutcome(Outcome{Kind: OutcomeServe, Source: SourceOrigin, Object: Object{Body: make([]byte, 30)}})
	s.ObserveOutcome(Outcome{Kind: OutcomeNotFound, Source: SourceNegativeCache})
	s.ObserveOutcome(Outcome{Kind: OutcomeNotFound, Source: SourceOrigin})
	s.ObserveOutcome(Outcome{Kind: OutcomeGatewayError, Source: SourceOrigin})

	ss := s.Snapshot()
	assert.Equal(t, uint64(1), ss.StoreHits)
	assert.Equal(t, uint64(1), ss.OriginHits)
	assert.Equal(t, uint64(1), ss.NegativeHits)
	assert.Equal(t, uint64(2), ss.NotFound)
	assert.Equal(t, uint64(1), ss.GatewayErrors)
	assert.Equal(t, uint64(2), ss.TotalResponses)
	assert.Equal(t, uint64(40), ss.TotalRespBytes)
	assert.Equal(t, uint64(10), ss.MinRespBytes)
	assert.Equal(t, uint64(30), ss.MaxRespBytes)
	assert.Equal(t, uint64(20), ss.AvgRespBytes)
}

func TestStatsSnapshotEmpty(t *testing.T) {
	ss := newStatsCollector().Snapshot()
	assert.Zero(t, ss.TotalResponses)
	assert.Zero(t, ss.MinRespBytes)
}

func TestLogStatsFields(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := newStatsCollector()
	s.ObserveOutcome(Outcome{Kind: OutcomeServe, Source: SourceStore, Object: Object{Body: make([]byte, 2048)}})
	lt := NewLatencyTracker(0.01)
	lt.Record(opResolve, 3*time.Millisecond)

	logStats(s.Snapshot(), lt, log)

	var statsEntry *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "stats" {
			statsEntry = e
		}
	}
	require.NotNil(t, statsEntry)
	assert.Equal(t, uint64(1), statsEntry.Data["storeHits"])
	assert.Equal(t, "2.0KiB/2.0KiB/2.0KiB", statsEntry.Data["resp"])
	assert.Contains(t, statsEntry.Data["latency"], "resolve(n=1)")
}

func TestRateLimitedLoggerCountsSuppressed(t *testing.T) {
	log, hook := test.NewNullLogger()
	rl := newRateLimitedLogger(log, time.Hour)

	rl.Warnf("first")
	rl.Warnf("second")
	rl.Warnf("third")
	require.Len(t, hook.AllEntries(), 1)

	rl.mu.Lock()
	rl.lastAt = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()
	rl.Warnf("fourth")

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "fourth", hook.LastEntry().Message)
	assert.Equal(t, uint64(2), hook.LastEntry().Data["suppressed"])
}
