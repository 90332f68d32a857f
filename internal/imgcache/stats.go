package imgcache

import (
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	storeHits     atomic.Uint64
	originHits    atomic.Uint64
	negativeHits  atomic.Uint64
	notFound      atomic.Uint64
	gatewayErrors atomic.Uint64
	storeErrors   atomic.Uint64

	writeStored  atomic.Uint64
	writeFailed  atomic.Uint64
	writeDropped atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// ObserveOutcome counts a resolved request and, for served objects, its size.
func (s *statsCollector) ObserveOutcome(o Outcome) {
	switch o.Kind {
	case OutcomeServe:
		if o.Source == SourceStore {
			s.storeHits.Add(1)
		} else {
			s.originHits.Add(1)
		}
		s.observeBytes(len(o.Object.Body))
	case OutcomeNotFound:
		if o.Source == SourceNegativeCache {
			s.negativeHits.Add(1)
		}
		s.notFound.Add(1)
	case OutcomeGatewayError:
		if o.Source == SourceNegativeCache {
			s.negativeHits.Add(1)
		}
		s.gatewayErrors.Add(1)
	}
}

func (s *statsCollector) observeBytes(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64

	StoreHits     uint64
	OriginHits    uint64
	NegativeHits  uint64
	NotFound      uint64
	GatewayErrors uint64
	StoreErrors   uint64

	WriteStored  uint64
	WriteFailed  uint64
	WriteDropped uint64
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		StoreHits:     s.storeHits.Load(),
		OriginHits:    s.originHits.Load(),
		NegativeHits:  s.negativeHits.Load(),
		NotFound:      s.notFound.Load(),
		GatewayErrors: s.gatewayErrors.Load(),
		StoreErrors:   s.storeErrors.Load(),
		WriteStored:   s.writeStored.Load(),
		WriteFailed:   s.writeFailed.Load(),
		WriteDropped:  s.writeDropped.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

// statsLoop logs a summary line every tick until stop is closed.
func statsLoop(stop <-chan struct{}, every time.Duration, stats *statsCollector, latency *LatencyTracker, log logrus.FieldLogger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			logStats(stats.Snapshot(), latency, log)
		}
	}
}

func logStats(ss StatsSnapshot, latency *LatencyTracker, log logrus.FieldLogger) {
	fields := logrus.Fields{
		"storeHits":     ss.StoreHits,
		"originHits":    ss.OriginHits,
		"negativeHits":  ss.NegativeHits,
		"notFound":      ss.NotFound,
		"gatewayErrors": ss.GatewayErrors,
		"storeErrors":   ss.StoreErrors,
		"writeStored":   ss.WriteStored,
		"writeFailed":   ss.WriteFailed,
		"writeDropped":  ss.WriteDropped,
		"resp":          formatBytes(ss.MinRespBytes) + "/" + formatBytes(ss.AvgRespBytes) + "/" + formatBytes(ss.MaxRespBytes),
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	if latency != nil {
		var parts []string
		for _, l := range latency.All() {
			parts = append(parts, l.String())
		}
		if len(parts) > 0 {
			fields["latency"] = strings.Join(parts, "; ")
		}
	}
	log.WithFields(fields).Info("stats")

	if vals, ok := processSmapsRollupBytes(); ok {
		log.WithField("smaps", formatSmapsRollup(vals)).Debug("memory breakdown")
	}
}
