package imgcache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
store:
  endpoint: http://127.0.0.1:9000
  bucket: images
  accessKey: minio
  secretKey: minio123
negativeCache:
  url: redis://127.0.0.1:6379/0
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:443", cfg.Server.Addr)
	assert.False(t, cfg.Server.TLSEnabled())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeoutDur())

	assert.Equal(t, "https://i.pximg.net", cfg.Origin.BaseURL)
	assert.Equal(t, "https://www.pixiv.net/", cfg.Origin.Referer)
	assert.Contains(t, cfg.Origin.UserAgent, "Mozilla/5.0")
	assert.Equal(t, 30*time.Second, cfg.Origin.timeout)
	assert.Equal(t, int64(64<<20), cfg.Origin.maxBodySize)

	assert.Equal(t, "s3", cfg.Store.Driver)
	assert.Equal(t, "us-east-1", cfg.Store.Region)
	assert.Equal(t, time.Hour, cfg.Store.presignTTL)
	assert.Equal(t, "127.0.0.1:9000", cfg.Store.endpoint.Host)
	assert.Equal(t, int64(256<<20), cfg.Store.Transform.Compression.maxDecoded)

	assert.Equal(t, "redis", cfg.NegativeCache.Driver)
	assert.Equal(t, "cache:", cfg.NegativeCache.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.NegativeCache.absentTTL)
	assert.Equal(t, 20*time.Minute, cfg.NegativeCache.originErrorTTL)
	assert.Less(t, cfg.NegativeCache.originErrorTTL, cfg.NegativeCache.absentTTL)

	assert.Equal(t, 8, cfg.WriteBack.Workers)
	assert.Equal(t, 1024, cfg.WriteBack.QueueSize)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Zero(t, cfg.Logging.StatsEveryDur())
}

func TestParseConfigFull(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	raw := fmt.Sprintf(`
server:
  addr: ":8443"
  tls:
    certFile: /tls/cert.pem
    keyFile: /tls/key.pem
origin:
  baseURL: https://origin.example.com/
  timeout: 5s
  maxBodySize: 20m
store:
  driver: MinIO
  endpoint: https://s3.example.com
  bucket: images
  region: eu-west-1
  accessKey: ak
  secretKey: sk
  presignTTL: 10m
  maxObjectSize: 1GiB
  transform:
    compression:
      enabled: true
      algorithm: zstd
      level: 3
    encryption:
      enabled: true
      key: %s
negativeCache:
  driver: valkey
  url: valkey://cache:6379
  db: 2
  absentTTL: 12h
  originErrorTTL: 1m
writeBack:
  workers: 2
  queueSize: 16
  timeout: 30s
logging:
  level: debug
  format: json
  statsEvery: 1m
`, key)

	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)

	assert.True(t, cfg.Server.TLSEnabled())
	assert.Equal(t, "https://origin.example.com", cfg.Origin.BaseURL)
	assert.Equal(t, int64(20<<20), cfg.Origin.maxBodySize)
	assert.Equal(t, "minio", cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Store.presignTTL)
	assert.Equal(t, int64(1<<30), cfg.Store.maxObjectSize)
	assert.Equal(t, "valkey", cfg.NegativeCache.Driver)
	require.NotNil(t, cfg.NegativeCache.DB)
	assert.Equal(t, 2, *cfg.NegativeCache.DB)
	assert.Equal(t, time.Minute, cfg.NegativeCache.originErrorTTL)
	assert.Equal(t, 30*time.Second, cfg.WriteBack.timeout)
	assert.Equal(t, time.Minute, cfg.Logging.StatsEveryDur())
}

func TestParseConfigExpandsEnv(t *testing.T) {
	t.Setenv("IMGCACHE_TEST_SECRET", "from-env")
	raw := minimalConfig + "\n" + `
origin:
  referer: ${IMGCACHE_TEST_SECRET}
`
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Origin.Referer)
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `
store: {bucket: b, accessKey: a, secretKey: s}
negativeCache: {url: "redis://x:6379"}`,
		"bad endpoint scheme": `
store: {endpoint: "ftp://x", bucket: b, accessKey: a, secretKey: s}
negativeCache: {url: "redis://x:6379"}`,
		"bucket with slash": `
store: {endpoint: "http://x", bucket: "a/b", accessKey: a, secretKey: s}
negativeCache: {url: "redis://x:6379"}`,
		"missing credentials": `
store: {endpoint: "http://x", bucket: b}
negativeCache: {url: "redis://x:6379"}`,
		"unknown store driver": `
store: {driver: gcs, endpoint: "http://x", bucket: b, accessKey: a, secretKey: s}
negativeCache: {url: "redis://x:6379"}`,
		"presign too long": `
store: {endpoint: "http://x", bucket: b, accessKey: a, secretKey: s, presignTTL: 200h}
negativeCache: {url: "redis://x:6379"}`,
		"encryption without key": `
store:
  endpoint: "http://x"
  bucket: b
  accessKey: a
  secretKey: s
  transform: {encryption: {enabled: true}}
negativeCache: {url: "redis://x:6379"}`,
		"missing negative cache url": `
store: {endpoint: "http://x", bucket: b, accessKey: a, secretKey: s}`,
		"zero absent ttl": `
store: {endpoint: "http://x", bucket: b, accessKey: a, secretKey: s}
negativeCache: {url: "redis://x:6379", absentTTL: 0s}`,
		"tls half configured": minimalConfig + `
server: {tls: {certFile: /c.pem}}`,
		"bad duration": minimalConfig + `
origin: {timeout: soon}`,
		"bad size": minimalConfig + `
origin: {maxBodySize: lots}`,
		"bad log level": minimalConfig + `
logging: {level: loud}`,
		"bad log format": minimalConfig + `
logging: {format: xml}`,
		"not yaml": "store: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(raw))
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %v", err)
		})
	}
}

func TestParseConfigErrorNamesField(t *testing.T) {
	cases := []struct {
		section, field, raw string
	}{
		{"origin", "timeout", minimalConfig + "origin: {timeout: soon}"},
		{"origin", "maxBodySize", minimalConfig + "origin: {maxBodySize: lots}"},
		{"writeBack", "timeout", minimalConfig + "writeBack: {timeout: \"100%\"}"},
		{"store", "transform.compression.maxDecodedSize", `
store:
  endpoint: "http://x"
  bucket: b
  accessKey: a
  secretKey: s
  transform: {compression: {enabled: true, maxDecodedSize: huge}}
negativeCache: {url: "redis://x:6379"}`},
	}
	for _, tc := range cases {
		_, err := ParseConfig([]byte(tc.raw))
		require.Error(t, err, tc.field)
		msg := err.Error()
		assert.Contains(t, msg, "] "+tc.section+": ")
		assert.Contains(t, msg, "] "+tc.field+": ")
		assert.NotContains(t, msg, "%!")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "images", cfg.Store.Bucket)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, IsConfigError(err))
}

func TestConfigStringHidesSecrets(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	raw := fmt.Sprintf(`
store:
  endpoint: http://127.0.0.1:9000
  bucket: images
  accessKey: minio
  secretKey: minio123
  transform:
    encryption:
      enabled: true
      key: %s
negativeCache:
  url: redis://127.0.0.1:6379/0
  password: hunter2
`, key)
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)

	for _, s := range []string{cfg.String(), fmt.Sprintf("%v", cfg), fmt.Sprintf("%+v", cfg.Store), fmt.Sprintf("%#v", cfg.NegativeCache)} {
		assert.NotContains(t, s, key)
		assert.NotContains(t, s, "minio123")
		assert.NotContains(t, s, "hunter2")
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"1k":     1 << 10,
		"20m":    20 << 20,
		"1G":     1 << 30,
		"1.5MiB": 3 << 19,
		"10MB":   10_000_000,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "-1k", "lots"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.0KiB", formatBytes(1024))
	assert.Equal(t, "20MiB", formatBytes(20<<20))
}
