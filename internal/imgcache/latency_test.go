package imgcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerQuantiles(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	for i := 1; i <= 100; i++ {
		lt.Record(opOriginFetch, time.Duration(i)*time.Millisecond)
	}

	s, ok := lt.Stats(opOriginFetch)
	require.True(t, ok)
	assert.Equal(t, int64(100), s.Count)
	assert.InEpsilon(t, 50.0, s.P50, 0.03)
	assert.InEpsilon(t, 99.0, s.P99, 0.03)
	assert.InEpsilon(t, 100.0, s.Max, 0.03)
	assert.Contains(t, s.String(), "origin.fetch(n=100)")

	_, ok = lt.Stats(opStorePut)
	assert.False(t, ok)
}

func TestLatencyTrackerAllSorted(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	lt.Record(opStoreGet, time.Millisecond)
	lt.Record(opNegativeLookup, time.Millisecond)
	lt.Record(opResolve, time.Millisecond)

	var names []string
	for _, s := range lt.All() {
		names = append(names, s.Operation)
	}
	assert.Equal(t, []string{opNegativeLookup, opResolve, opStoreGet}, names)
}

func TestLatencyTrackerNilIsNoop(t *testing.T) {
	var lt *LatencyTracker
	assert.NotPanics(t, func() { lt.Record(opResolve, time.Second) })
}

func TestLatencyStatsStringEmpty(t *testing.T) {
	assert.Equal(t, "resolve: no data", LatencyStats{Operation: opResolve}.String())
}
