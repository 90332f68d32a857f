package imgcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operations timed by the service.
const (
	opNegativeLookup = "negative.lookup"
	opStoreGet       = "store.get"
	opStorePut       = "store.put"
	opOriginFetch    = "origin.fetch"
	opResolve        = "resolve"
)

// LatencyTracker keeps one DDSketch per operation. Values are recorded in
// milliseconds.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker returns a tracker whose quantiles are accurate to within
// relativeAccuracy (0.01 is 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

type LatencyStats struct {
	Operation string
	Count     int64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s(n=%d) p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.P50, s.P90, s.P99, s.Max)
}

func (lt *LatencyTracker) Stats(operation string) (LatencyStats, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (LatencyStats, bool) {
	sketch, ok := lt.sketches[operation]
	if !ok {
		return LatencyStats{}, false
	}
	out := LatencyStats{Operation: operation, Count: int64(sketch.GetCount())}
	if out.Count == 0 {
		return out, true
	}
	out.P50, _ = sketch.GetValueAtQuantile(0.50)
	out.P90, _ = sketch.GetValueAtQuantile(0.90)
	out.P99, _ = sketch.GetValueAtQuantile(0.99)
	out.Max, _ = sketch.GetMaxValue()
	return out, true
}

// All returns stats for every recorded operation, sorted by name.
func (lt *LatencyTracker) All() []LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ops := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	out := make([]LatencyStats, 0, len(ops))
	for _, op := range ops {
		if s, ok := lt.statsLocked(op); ok {
			out = append(out, s)
		}
	}
	return out
}
