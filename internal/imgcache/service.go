package imgcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type negativeCache interface {
	ShouldReject(ctx context.Context, k Key) bool
	RecordAbsent(ctx context.Context, k Key) error
	RecordOriginError(ctx context.Context, k Key) error
	Invalidate(ctx context.Context, k Key) error
}

type objectStore interface {
	Exists(ctx context.Context, k Key) (bool, error)
	Get(ctx context.Context, k Key) (Object, bool, error)
	Put(ctx context.Context, k Key, body []byte, contentType string) error
}

type originFetcher interface {
	Fetch(ctx context.Context, k Key) FetchResult
}

// Service resolves keys through the negative cache, the object store and
// the origin, in that order, consulting each tier at most once.
type Service struct {
	neg    negativeCache
	store  objectStore
	origin originFetcher

	writes  *writeBack
	stats   *statsCollector
	latency *LatencyTracker

	log      logrus.FieldLogger
	storeLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type ServiceOptions struct {
	WriteBack  WriteBackConfig
	StatsEvery time.Duration
	Log        logrus.FieldLogger
}

func NewService(neg negativeCache, store objectStore, origin originFetcher, opts ServiceOptions) (*Service, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	wb := opts.WriteBack
	if err := wb.normalize(); err != nil {
		return nil, wrapConfig(err, "writeBack")
	}

	s := &Service{
		neg:      neg,
		store:    store,
		origin:   origin,
		stats:    newStatsCollector(),
		latency:  NewLatencyTracker(0.01),
		log:      log,
		storeLog: newRateLimitedLogger(log.WithField("component", "store"), time.Minute),
		stopCh:   make(chan struct{}),
	}
	s.writes = newWriteBack(wb, store, neg, s.stats, s.latency, log)

	if opts.StatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			statsLoop(s.stopCh, opts.StatsEvery, s.stats, s.latency, log.WithField("component", "stats"))
		}()
	}
	return s, nil
}

// Close waits for pending write-backs and stops the stats loop.
func (s *Service) Close() {
	s.once.Do(func() {
		s.writes.Close()
		close(s.stopCh)
		s.wg.Wait()
	})
}

// Resolve runs one request through the tiers. The tiers run on a context
// detached from ctx's cancellation, so a client hanging up does not abort a
// lookup whose side effects are already in flight.
func (s *Service) Resolve(ctx context.Context, k Key) Outcome {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	out := s.resolve(ctx, k)
	s.latency.Record(opResolve, time.Since(start))
	s.stats.ObserveOutcome(out)
	return out
}

func (s *Service) resolve(ctx context.Context, k Key) Outcome {
	if s.checkNegative(ctx, k) {
		return Outcome{Kind: OutcomeNotFound, Source: SourceNegativeCache, Reason: "negative cache"}
	}
	if obj, ok := s.checkStore(ctx, k); ok {
		return Outcome{Kind: OutcomeServe, Source: SourceStore, Object: obj}
	}
	return s.fetchOrigin(ctx, k)
}

func (s *Service) checkNegative(ctx context.Context, k Key) bool {
	start := time.Now()
	defer func() { s.latency.Record(opNegativeLookup, time.Since(start)) }()
	return s.neg.ShouldReject(ctx, k)
}

// checkStore reports a hit only when the object exists and reads back
// cleanly. Any store or transform error falls through to the origin.
func (s *Service) checkStore(ctx context.Context, k Key) (Object, bool) {
	start := time.Now()
	defer func() { s.latency.Record(opStoreGet, time.Since(start)) }()

	exists, err := s.store.Exists(ctx, k)
	if err != nil {
		s.storeFailure(k, err)
		return Object{}, false
	}
	if !exists {
		return Object{}, false
	}
	obj, ok, err := s.store.Get(ctx, k)
	if err != nil {
		s.storeFailure(k, err)
		return Object{}, false
	}
	return obj, ok
}

func (s *Service) storeFailure(k Key, err error) {
	s.stats.storeErrors.Add(1)
	s.storeLog.Warnf("store read for %s failed, falling through to origin: %v", k, err)
}

func (s *Service) fetchOrigin(ctx context.Context, k Key) Outcome {
	start := time.Now()
	res := s.origin.Fetch(ctx, k)
	s.latency.Record(opOriginFetch, time.Since(start))

	log := s.log.WithFields(logrus.Fields{"key": k, "class": res.Class, "status": res.Status})

	switch res.Class {
	case FetchSuccess:
		obj := Object{Body: res.Body, ContentType: ContentTypeFor(k)}
		stored := res.ContentType
		if stored == "" {
			stored = obj.ContentType
		}
		s.writes.Enqueue(writeOp{key: k, body: res.Body, contentType: stored})
		return Outcome{Kind: OutcomeServe, Source: SourceOrigin, Object: obj}

	case FetchNotFound:
		if err := s.neg.RecordAbsent(ctx, k); err != nil {
			log.WithError(err).Warn("record absent failed")
		}
		return Outcome{Kind: OutcomeNotFound, Source: SourceOrigin, OriginStatus: res.Status, Reason: "origin not found"}

	case FetchServerError, FetchTransportFailure:
		if res.Err != nil {
			log = log.WithError(res.Err)
		}
		log.Warn("origin failed")
		if err := s.neg.RecordOriginError(ctx, k); err != nil {
			log.WithError(err).Warn("record origin error failed")
		}
		return Outcome{Kind: OutcomeGatewayError, Source: SourceOrigin, OriginStatus: res.Status, Reason: "origin unavailable"}

	default:
		log.Info("unexpected origin status")
		return Outcome{
			Kind:         OutcomeGatewayError,
			Source:       SourceOrigin,
			OriginStatus: res.Status,
			Reason:       fmt.Sprintf("origin returned status %d", res.Status),
		}
	}
}

func (s *Service) Stats() StatsSnapshot { return s.stats.Snapshot() }

func (s *Service) Latency() *LatencyTracker { return s.latency }
