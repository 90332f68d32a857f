package imgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// kvBackend is the minimal key/value surface the negative cache needs. Get
// returns errKeyMissing for an absent key.
type kvBackend interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// negativeStatus is the JSON value stored for a rejected key.
type negativeStatus string

const (
	statusNotFound    negativeStatus = "not_found"
	statusServerError negativeStatus = "server_error"
)

type negativeEntry struct {
	Status negativeStatus `json:"status"`
}

// NegativeCache remembers keys the origin recently reported absent or failed
// on. Entries expire through the backend's own TTL. Every read failure fails
// open: a broken backend costs an origin round trip, never a wrong answer.
type NegativeCache struct {
	kv        kvBackend
	prefix    string
	absentTTL time.Duration
	errorTTL  time.Duration
	timeout   time.Duration

	log     logrus.FieldLogger
	failLog *rateLimitedLogger
}

// OpenNegativeCache connects the backend selected by cfg.Driver.
func OpenNegativeCache(cfg NegativeCacheConfig, log logrus.FieldLogger) (*NegativeCache, error) {
	var (
		kv  kvBackend
		err error
	)
	switch cfg.Driver {
	case "valkey":
		kv, err = newValkeyBackend(cfg)
		if err != nil && !IsConfigError(err) {
			// valkey dials eagerly; keep serving without the tier.
			log.WithError(err).Warn("negative cache unreachable, running without it")
			kv, err = noopBackend{}, nil
		}
	case "redis", "":
		kv, err = newRedisBackend(cfg)
	default:
		return nil, configError("unknown negative cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return newNegativeCache(kv, cfg, log), nil
}

func newNegativeCache(kv kvBackend, cfg NegativeCacheConfig, log logrus.FieldLogger) *NegativeCache {
	log = log.WithField("component", "negative-cache")
	return &NegativeCache{
		kv:        kv,
		prefix:    cfg.KeyPrefix,
		absentTTL: cfg.absentTTL,
		errorTTL:  cfg.originErrorTTL,
		timeout:   cfg.timeout,
		log:       log,
		failLog:   newRateLimitedLogger(log, time.Minute),
	}
}

func (n *NegativeCache) key(k Key) string { return n.prefix + k.String() }

func (n *NegativeCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

// ShouldReject reports whether a live entry exists for k.
func (n *NegativeCache) ShouldReject(ctx context.Context, k Key) bool {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	raw, err := n.kv.Get(ctx, n.key(k))
	if errors.Is(err, errKeyMissing) {
		return false
	}
	if err != nil {
		n.failLog.Warnf("negative cache lookup failed, continuing: %v", err)
		return false
	}
	var ent negativeEntry
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		n.failLog.Warnf("negative cache value for %s is unreadable, ignoring: %v", k, err)
		return false
	}
	switch ent.Status {
	case statusNotFound, statusServerError:
		return true
	default:
		return false
	}
}

func (n *NegativeCache) RecordAbsent(ctx context.Context, k Key) error {
	return n.record(ctx, k, statusNotFound, n.absentTTL)
}

func (n *NegativeCache) RecordOriginError(ctx context.Context, k Key) error {
	return n.record(ctx, k, statusServerError, n.errorTTL)
}

func (n *NegativeCache) record(ctx context.Context, k Key, st negativeStatus, ttl time.Duration) error {
	b, err := json.Marshal(negativeEntry{Status: st})
	if err != nil {
		return err
	}
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.kv.SetEx(ctx, n.key(k), string(b), ttl); err != nil {
		return networkError(err, "record %s for %s", st, k)
	}
	return nil
}

// Invalidate removes any entry for k. Removing an absent key succeeds.
func (n *NegativeCache) Invalidate(ctx context.Context, k Key) error {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.kv.Del(ctx, n.key(k)); err != nil {
		return networkError(err, "invalidate %s", k)
	}
	return nil
}

func (n *NegativeCache) Ping(ctx context.Context) error {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	if err := n.kv.Ping(ctx); err != nil {
		return networkError(err, "ping negative cache")
	}
	return nil
}

func (n *NegativeCache) Close() error { return n.kv.Close() }

// noopBackend stores nothing; every lookup misses.
type noopBackend struct{}

func (noopBackend) Get(context.Context, string) (string, error)                { return "", errKeyMissing }
func (noopBackend) SetEx(context.Context, string, string, time.Duration) error { return nil }
func (noopBackend) Del(context.Context, string) error                          { return nil }
func (noopBackend) Ping(context.Context) error                                 { return nil }
func (noopBackend) Close() error                                               { return nil }
func (noopBackend) String() string                                             { return "noop" }

func (n *NegativeCache) String() string {
	return fmt.Sprintf("%s absent=%s error=%s", n.kv, n.absentTTL, n.errorTTL)
}
