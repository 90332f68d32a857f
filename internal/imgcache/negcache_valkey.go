package imgcache

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

type valkeyBackend struct {
	client valkey.Client
	addr   string
}

func newValkeyBackend(cfg NegativeCacheConfig) (*valkeyBackend, error) {
	addr, password, db, err := parseValkeyURL(cfg.URL)
	if err != nil {
		return nil, wrapConfig(err, "parse valkey url")
	}
	opts := valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
		SelectDB:    db,
		// Single node; client-side caching is not used.
		DisableCache: true,
	}
	if cfg.Password != "" {
		opts.Password = string(cfg.Password)
	}
	if cfg.DB != nil {
		opts.SelectDB = *cfg.DB
	}
	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, networkError(err, "connect valkey %s", addr)
	}
	return &valkeyBackend{client: client, addr: addr}, nil
}

// parseValkeyURL accepts host:port or a valkey://[:password@]host:port[/db]
// URL.
func parseValkeyURL(raw string) (addr, password string, db int, err error) {
	if !strings.Contains(raw, "://") {
		return raw, "", 0, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, err
	}
	if u.Host == "" {
		return "", "", 0, configError("no host in %q", raw)
	}
	if u.User != nil {
		password, _ = u.User.Password()
	}
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if db, err = strconv.Atoi(p); err != nil {
			return "", "", 0, configError("database %q is not a number", p)
		}
	}
	return u.Host, password, db, nil
}

func (v *valkeyBackend) Get(ctx context.Context, key string) (string, error) {
	s, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", errKeyMissing
	}
	return s, err
}

func (v *valkeyBackend) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return v.client.Do(ctx, v.client.B().Set().Key(key).Value(value).ExSeconds(secs).Build()).Error()
}

func (v *valkeyBackend) Del(ctx context.Context, key string) error {
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

func (v *valkeyBackend) Ping(ctx context.Context) error {
	return v.client.Do(ctx, v.client.B().Ping().Build()).Error()
}

func (v *valkeyBackend) Close() error {
	v.client.Close()
	return nil
}

func (v *valkeyBackend) String() string { return "valkey://" + v.addr }
